package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/garnizeh/chainlance/pkg/models"
	"github.com/garnizeh/chainlance/pkg/repository"
)

const profileColumns = `id, wallet_address, username, role, photo_url, completed_jobs, applied_jobs, posted_jobs, past_mediations, created, updated`

// walletKey is the case-insensitive lookup key of an address.
func walletKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*models.Profile, error) {
	var (
		p                                    models.Profile
		completed, applied, posted, mediated string
	)
	if err := row.Scan(&p.ID, &p.WalletAddress, &p.Username, &p.Role, &p.PhotoURL,
		&completed, &applied, &posted, &mediated, &p.Created, &p.Updated); err != nil {
		return nil, err
	}
	for _, l := range []struct {
		raw string
		dst *[]string
	}{
		{completed, &p.CompletedJobs},
		{applied, &p.AppliedJobs},
		{posted, &p.PostedJobs},
		{mediated, &p.PastMediations},
	} {
		if err := json.Unmarshal([]byte(l.raw), l.dst); err != nil {
			return nil, fmt.Errorf("decode profile list: %w", err)
		}
		if *l.dst == nil {
			*l.dst = []string{}
		}
	}
	return &p, nil
}

func encodeList(l []string) string {
	if l == nil {
		return "[]"
	}
	b, _ := json.Marshal(l)
	return string(b)
}

func (r *SQLiteRepo) GetProfile(ctx context.Context, wallet string) (*models.Profile, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE namespace = ? AND wallet_key = ?`,
		models.ProfileNamespace, walletKey(wallet))
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *SQLiteRepo) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT `+profileColumns+` FROM profiles WHERE namespace = ? ORDER BY id`, models.ProfileNamespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, key string) (*models.Profile, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE namespace = ? AND wallet_key = ?`,
		models.ProfileNamespace, key)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func saveTx(ctx context.Context, tx *sql.Tx, p *models.Profile) error {
	p.Updated = now()
	_, err := tx.ExecContext(ctx, `UPDATE profiles SET wallet_address = ?, username = ?, role = ?, photo_url = ?, completed_jobs = ?, applied_jobs = ?, posted_jobs = ?, past_mediations = ?, updated = ? WHERE id = ?`,
		p.WalletAddress, p.Username, p.Role, p.PhotoURL,
		encodeList(p.CompletedJobs), encodeList(p.AppliedJobs), encodeList(p.PostedJobs), encodeList(p.PastMediations),
		p.Updated, p.ID)
	return err
}

// UpsertProfile inserts p or merges it over the stored record: set scalar
// fields and non-nil lists replace the stored values, everything else is kept.
func (r *SQLiteRepo) UpsertProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	if p == nil {
		return nil, fmt.Errorf("profile is nil")
	}
	key := walletKey(p.WalletAddress)
	if key == "" {
		return nil, fmt.Errorf("profile wallet address is required")
	}

	var out *models.Profile
	err := r.conn.InTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			ts := now()
			_, err := tx.ExecContext(ctx, `INSERT INTO profiles (namespace, wallet_address, wallet_key, username, role, photo_url, completed_jobs, applied_jobs, posted_jobs, past_mediations, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				models.ProfileNamespace, p.WalletAddress, key, p.Username, p.Role, p.PhotoURL,
				encodeList(p.CompletedJobs), encodeList(p.AppliedJobs), encodeList(p.PostedJobs), encodeList(p.PastMediations),
				ts, ts)
			if err != nil {
				return err
			}
			out, err = getTx(ctx, tx, key)
			return err
		}

		merge(cur, p)
		if err := saveTx(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("profile upserted", slog.String("wallet", key))
	return out, nil
}

func merge(dst, src *models.Profile) {
	if src.WalletAddress != "" {
		dst.WalletAddress = src.WalletAddress
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.PhotoURL != "" {
		dst.PhotoURL = src.PhotoURL
	}
	if src.CompletedJobs != nil {
		dst.CompletedJobs = src.CompletedJobs
	}
	if src.AppliedJobs != nil {
		dst.AppliedJobs = src.AppliedJobs
	}
	if src.PostedJobs != nil {
		dst.PostedJobs = src.PostedJobs
	}
	if src.PastMediations != nil {
		dst.PastMediations = src.PastMediations
	}
}

func (r *SQLiteRepo) PatchProfile(ctx context.Context, wallet string, patch models.ProfilePatch) (*models.Profile, error) {
	var out *models.Profile
	err := r.conn.InTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, walletKey(wallet))
		if err != nil {
			return err
		}
		if cur == nil {
			return repository.ErrNotFound
		}
		patch.Apply(cur)
		if err := saveTx(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLiteRepo) AppendToList(ctx context.Context, wallet string, list models.ProfileList, item string) (*models.Profile, error) {
	if !list.Valid() {
		return nil, fmt.Errorf("unknown profile list %q", list)
	}
	var out *models.Profile
	err := r.conn.InTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, walletKey(wallet))
		if err != nil {
			return err
		}
		if cur == nil {
			return repository.ErrNotFound
		}
		dst := cur.List(list)
		if !slices.Contains(*dst, item) {
			*dst = append(*dst, item)
		}
		if err := saveTx(ctx, tx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLiteRepo) DeleteProfile(ctx context.Context, wallet string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM profiles WHERE namespace = ? AND wallet_key = ?`, models.ProfileNamespace, walletKey(wallet))
	return err
}
