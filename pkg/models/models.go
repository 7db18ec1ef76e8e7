package models

// Domain models matching the database schema in db/migrations/0001_init.sql

// ProfileNamespace is the key all local profile records live under.
const ProfileNamespace = "freelandser_users_v1"

// Profile is the off-chain display record of a wallet. Role mirrors the
// on-chain registration but is not authoritative.
type Profile struct {
	ID             int64    `json:"id" db:"id"`
	WalletAddress  string   `json:"walletAddress" db:"wallet_address"`
	Username       string   `json:"username" db:"username"`
	Role           string   `json:"role" db:"role"`
	PhotoURL       string   `json:"photoUrl,omitempty" db:"photo_url"`
	CompletedJobs  []string `json:"completedJobs" db:"completed_jobs"`
	AppliedJobs    []string `json:"appliedJobs" db:"applied_jobs"`
	PostedJobs     []string `json:"postedJobs" db:"posted_jobs"`
	PastMediations []string `json:"pastMediations" db:"past_mediations"`
	Created        int64    `json:"created" db:"created"`
	Updated        int64    `json:"updated" db:"updated"`
}

// ProfilePatch changes only the fields that are set.
type ProfilePatch struct {
	Username       *string   `json:"username,omitempty"`
	Role           *string   `json:"role,omitempty"`
	PhotoURL       *string   `json:"photoUrl,omitempty"`
	CompletedJobs  *[]string `json:"completedJobs,omitempty"`
	AppliedJobs    *[]string `json:"appliedJobs,omitempty"`
	PostedJobs     *[]string `json:"postedJobs,omitempty"`
	PastMediations *[]string `json:"pastMediations,omitempty"`
}

// Apply copies the set fields of the patch onto dst.
func (p ProfilePatch) Apply(dst *Profile) {
	if p.Username != nil {
		dst.Username = *p.Username
	}
	if p.Role != nil {
		dst.Role = *p.Role
	}
	if p.PhotoURL != nil {
		dst.PhotoURL = *p.PhotoURL
	}
	if p.CompletedJobs != nil {
		dst.CompletedJobs = *p.CompletedJobs
	}
	if p.AppliedJobs != nil {
		dst.AppliedJobs = *p.AppliedJobs
	}
	if p.PostedJobs != nil {
		dst.PostedJobs = *p.PostedJobs
	}
	if p.PastMediations != nil {
		dst.PastMediations = *p.PastMediations
	}
}

// List returns a pointer to the list field l names, or nil for an unknown list.
func (p *Profile) List(l ProfileList) *[]string {
	switch l {
	case ListCompletedJobs:
		return &p.CompletedJobs
	case ListAppliedJobs:
		return &p.AppliedJobs
	case ListPostedJobs:
		return &p.PostedJobs
	case ListPastMediations:
		return &p.PastMediations
	}
	return nil
}

// ProfileList names one of the list fields of a profile.
type ProfileList string

const (
	ListCompletedJobs  ProfileList = "completedJobs"
	ListAppliedJobs    ProfileList = "appliedJobs"
	ListPostedJobs     ProfileList = "postedJobs"
	ListPastMediations ProfileList = "pastMediations"
)

func (l ProfileList) Valid() bool {
	switch l {
	case ListCompletedJobs, ListAppliedJobs, ListPostedJobs, ListPastMediations:
		return true
	}
	return false
}

// Schema is a stored JSON schema used to validate profile documents.
type Schema struct {
	ID          int64  `json:"id" db:"id"`
	Version     string `json:"version" db:"version"`
	Description string `json:"description" db:"description"`
	SchemaJSON  string `json:"schema_json" db:"schema_json"`
	Created     int64  `json:"created" db:"created"`
	Updated     int64  `json:"updated" db:"updated"`
}
