package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"stays/crypto"
	"stays/native/deal"
)

// Wire shapes for the deal domain objects. Addresses travel bech32, hashes
// and payloads hex, amounts as base-10 strings.

type dateTimeWire struct {
	Year   uint64 `json:"year"`
	Month  uint64 `json:"month"`
	Day    uint64 `json:"day"`
	Hour   uint64 `json:"hour"`
	Minute uint64 `json:"minute"`
}

type stayParamsWire struct {
	CheckIn  dateTimeWire `json:"checkIn"`
	CheckOut dateTimeWire `json:"checkOut"`
	Adults   uint64       `json:"adults"`
	Children uint64       `json:"children"`
}

type costWire struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type termWire struct {
	Impl    string `json:"impl"`
	Payload string `json:"payload,omitempty"`
}

type itemOptionWire struct {
	Item string     `json:"item"`
	Cost []costWire `json:"cost"`
}

type termOptionWire struct {
	Term termWire   `json:"term"`
	Cost []costWire `json:"cost"`
}

type bidWire struct {
	Provider    string           `json:"provider"`
	ParamsHash  string           `json:"paramsHash"`
	Items       []string         `json:"items"`
	Terms       []termWire       `json:"terms"`
	OptionItems []itemOptionWire `json:"optionItems,omitempty"`
	OptionTerms []termOptionWire `json:"optionTerms,omitempty"`
	Limit       uint64           `json:"limit"`
	Expiry      int64            `json:"expiry"`
	Cost        []costWire       `json:"cost"`
}

type stateWire struct {
	Provider   string     `json:"provider"`
	ParamsHash string     `json:"paramsHash"`
	Items      []string   `json:"items"`
	Terms      []termWire `json:"terms"`
	Cost       costWire   `json:"cost"`
}

type dealView struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	StateHash string `json:"stateHash"`
	Step      string `json:"step"`
	CreatedAt int64  `json:"createdAt"`
}

func decodeHash32(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid hash: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeAddr(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func decodeHexBytes(value string) ([]byte, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
}

func decodeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	if amount.BitLen() > 256 {
		return nil, fmt.Errorf("amount exceeds 256 bits: %q", value)
	}
	return amount, nil
}

func decodeSignatures(values []string) ([][]byte, error) {
	sigs := make([][]byte, len(values))
	for i, v := range values {
		raw, err := decodeHexBytes(v)
		if err != nil {
			return nil, fmt.Errorf("invalid signature: %w", err)
		}
		sigs[i] = raw
	}
	return sigs, nil
}

func decodeCosts(costs []costWire) ([]deal.TokenCost, error) {
	out := make([]deal.TokenCost, len(costs))
	for i, c := range costs {
		amount, err := decodeAmount(c.Amount)
		if err != nil {
			return nil, err
		}
		out[i] = deal.TokenCost{Token: c.Token, Amount: amount}
	}
	return out, nil
}

func decodeTerm(t termWire) (deal.Term, error) {
	impl, err := decodeAddr(t.Impl)
	if err != nil {
		return deal.Term{}, err
	}
	payload, err := decodeHexBytes(t.Payload)
	if err != nil {
		return deal.Term{}, err
	}
	return deal.Term{Impl: impl, Payload: payload}, nil
}

func decodeBid(w bidWire) (*deal.Bid, error) {
	provider, err := decodeAddr(w.Provider)
	if err != nil {
		return nil, err
	}
	paramsHash, err := decodeHash32(w.ParamsHash)
	if err != nil {
		return nil, err
	}
	items := make([][32]byte, len(w.Items))
	for i, item := range w.Items {
		if items[i], err = decodeHash32(item); err != nil {
			return nil, err
		}
	}
	terms := make([]deal.Term, len(w.Terms))
	for i, t := range w.Terms {
		if terms[i], err = decodeTerm(t); err != nil {
			return nil, err
		}
	}
	optionItems := make([]deal.ItemOption, len(w.OptionItems))
	for i, opt := range w.OptionItems {
		item, err := decodeHash32(opt.Item)
		if err != nil {
			return nil, err
		}
		cost, err := decodeCosts(opt.Cost)
		if err != nil {
			return nil, err
		}
		optionItems[i] = deal.ItemOption{Item: item, Cost: cost}
	}
	optionTerms := make([]deal.TermOption, len(w.OptionTerms))
	for i, opt := range w.OptionTerms {
		term, err := decodeTerm(opt.Term)
		if err != nil {
			return nil, err
		}
		cost, err := decodeCosts(opt.Cost)
		if err != nil {
			return nil, err
		}
		optionTerms[i] = deal.TermOption{Term: term, Cost: cost}
	}
	cost, err := decodeCosts(w.Cost)
	if err != nil {
		return nil, err
	}
	return &deal.Bid{
		Provider:    provider,
		ParamsHash:  paramsHash,
		Items:       items,
		Terms:       terms,
		OptionItems: optionItems,
		OptionTerms: optionTerms,
		Limit:       w.Limit,
		Expiry:      w.Expiry,
		Cost:        cost,
	}, nil
}

func decodeStayParams(w stayParamsWire) deal.StayParams {
	return deal.StayParams{
		CheckIn:  deal.DateTime(w.CheckIn),
		CheckOut: deal.DateTime(w.CheckOut),
		Adults:   w.Adults,
		Children: w.Children,
	}
}

func decodeState(w stateWire) (*deal.State, error) {
	provider, err := decodeAddr(w.Provider)
	if err != nil {
		return nil, err
	}
	paramsHash, err := decodeHash32(w.ParamsHash)
	if err != nil {
		return nil, err
	}
	items := make([][32]byte, len(w.Items))
	for i, item := range w.Items {
		if items[i], err = decodeHash32(item); err != nil {
			return nil, err
		}
	}
	terms := make([]deal.Term, len(w.Terms))
	for i, t := range w.Terms {
		if terms[i], err = decodeTerm(t); err != nil {
			return nil, err
		}
	}
	amount, err := decodeAmount(w.Cost.Amount)
	if err != nil {
		return nil, err
	}
	return &deal.State{
		Provider:   provider,
		ParamsHash: paramsHash,
		Items:      items,
		Terms:      terms,
		Cost:       deal.TokenCost{Token: w.Cost.Token, Amount: amount},
	}, nil
}

func newDealView(d *deal.Deal) dealView {
	return dealView{
		ID:        hex.EncodeToString(d.ID[:]),
		Provider:  crypto.NewAddress(crypto.StayPrefix, d.Provider[:]).String(),
		StateHash: hex.EncodeToString(d.StateHash[:]),
		Step:      d.Step.String(),
		CreatedAt: d.CreatedAt,
	}
}
