package dashboard

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/internal/txn"
	"github.com/garnizeh/chainlance/pkg/binding"
)

// Amount carries a native-token quantity both as an exact wei string and as
// a decimal ether string for display.
type Amount struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func NewAmount(wei *big.Int) Amount {
	if wei == nil {
		wei = new(big.Int)
	}
	return Amount{Wei: wei.String(), Ether: binding.FormatEther(wei)}
}

type Offer struct {
	ID       common.Hash    `json:"id"`
	Employer common.Address `json:"employer"`
	Stake    Amount         `json:"stake"`
	Sealed   bool           `json:"sealed"`
}

func NewOffer(w binding.OfferedWork) Offer {
	return Offer{ID: w.ID, Employer: w.Employer, Stake: NewAmount(w.StakedAmount), Sealed: w.Sealed}
}

func NewOffers(ws []binding.OfferedWork) []Offer {
	out := make([]Offer, 0, len(ws))
	for _, w := range ws {
		out = append(out, NewOffer(w))
	}
	return out
}

type Agreement struct {
	ID                  common.Hash     `json:"id"`
	Employer            common.Address  `json:"employer"`
	Employee            common.Address  `json:"employee"`
	Middleman           *common.Address `json:"middleman,omitempty"`
	Amount              Amount          `json:"amountForEmployee"`
	AskedMiddlemanCount uint64          `json:"askedMiddlemanCount"`
	EmployeeDone        bool            `json:"employeeDone"`
	EmployerValidated   bool            `json:"employerValidated"`
	DisputeRaised       bool            `json:"disputeRaised"`
	Resolved            bool            `json:"resolved"`
}

func NewAgreement(a binding.Agreement) Agreement {
	out := Agreement{
		ID:                  a.ID,
		Employer:            a.Employer,
		Employee:            a.Employee,
		Amount:              NewAmount(a.AmountForEmployee),
		AskedMiddlemanCount: a.AskedMiddlemanCount,
		EmployeeDone:        a.EmployeeDone,
		EmployerValidated:   a.EmployerValidated,
		DisputeRaised:       a.DisputeRaised,
		Resolved:            a.Resolved,
	}
	if a.HasMiddleman() {
		m := a.Middleman
		out.Middleman = &m
	}
	return out
}

func NewAgreements(as []binding.Agreement) []Agreement {
	out := make([]Agreement, 0, len(as))
	for _, a := range as {
		out = append(out, NewAgreement(a))
	}
	return out
}

type Stats struct {
	Balance          Amount `json:"balance"`
	NumAgreements    string `json:"numAgreements"`
	NumOfferedWorks  string `json:"numOfferedWorks"`
	OfferedWorkCount int    `json:"offeredWorkIds"`
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func NewStats(s syncer.Stats) Stats {
	return Stats{
		Balance:          NewAmount(s.Balance),
		NumAgreements:    bigString(s.NumAgreements),
		NumOfferedWorks:  bigString(s.NumOfferedWorks),
		OfferedWorkCount: s.OfferedWorkCount,
	}
}

// View is the wire form of a synchronized view.
type View struct {
	Account     common.Address `json:"account"`
	Block       uint64         `json:"block"`
	OpenOffers  []Offer        `json:"openOffers"`
	MyOffers    []Offer        `json:"myOffers"`
	Agreements  []Agreement    `json:"agreements"`
	Stats       Stats          `json:"stats"`
	RefreshedAt time.Time      `json:"refreshedAt"`
}

func NewView(v *syncer.View) *View {
	if v == nil {
		return nil
	}
	return &View{
		Account:     v.Account,
		Block:       v.Block,
		OpenOffers:  NewOffers(v.OpenOffers),
		MyOffers:    NewOffers(v.MyOffers),
		Agreements:  NewAgreements(v.Agreements),
		Stats:       NewStats(v.Stats),
		RefreshedAt: v.RefreshedAt,
	}
}

// Event is a decoded contract event tagged with its name.
type Event struct {
	Name string        `json:"name"`
	Data binding.Event `json:"data"`
}

type Receipt struct {
	OpID         string         `json:"opId"`
	Op           string         `json:"op"`
	From         common.Address `json:"from"`
	TxHash       common.Hash    `json:"txHash"`
	Block        uint64         `json:"block"`
	GasUsed      uint64         `json:"gasUsed"`
	Events       []Event        `json:"events"`
	RefreshError string         `json:"refreshError,omitempty"`
}

func NewReceipt(r *txn.Receipt) *Receipt {
	if r == nil {
		return nil
	}
	out := &Receipt{
		OpID:         r.OpID,
		Op:           r.Op,
		From:         r.From,
		TxHash:       r.TxHash,
		Block:        r.Block,
		GasUsed:      r.GasUsed,
		Events:       make([]Event, 0, len(r.Events)),
		RefreshError: r.RefreshError,
	}
	for _, ev := range r.Events {
		out.Events = append(out.Events, Event{Name: ev.EventName(), Data: ev})
	}
	return out
}
