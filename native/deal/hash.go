package deal

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Structured hashing for the deal domain objects. Each record type carries a
// typehash; composite records fold the digests of their sub-records into the
// parent encoding, so records of different shapes never collide even when
// their flat serializations would.

var (
	domainTypeHash = typeHash("SigningDomain(string name,string version,uint256 chainId,address verifyingContract)")

	dateTimeTypeHash = typeHash("DateTime(uint64 year,uint64 month,uint64 day,uint64 hour,uint64 minute)")

	stayParamsTypeHash = typeHash("StayParams(DateTime checkIn,DateTime checkOut,uint64 adults,uint64 children)" +
		"DateTime(uint64 year,uint64 month,uint64 day,uint64 hour,uint64 minute)")

	termTypeHash = typeHash("Term(address impl,bytes payload)")

	tokenCostTypeHash = typeHash("TokenCost(string token,uint256 amount)")

	itemOptionTypeHash = typeHash("ItemOption(bytes32 item,TokenCost[] cost)" +
		"TokenCost(string token,uint256 amount)")

	termOptionTypeHash = typeHash("TermOption(Term term,TokenCost[] cost)" +
		"Term(address impl,bytes payload)TokenCost(string token,uint256 amount)")

	bidTypeHash = typeHash("Bid(address provider,bytes32 paramsHash,bytes32[] items,Term[] terms," +
		"ItemOption[] optionItems,TermOption[] optionTerms,uint64 limit,uint64 expiry,TokenCost[] cost)" +
		"ItemOption(bytes32 item,TokenCost[] cost)Term(address impl,bytes payload)" +
		"TermOption(Term term,TokenCost[] cost)TokenCost(string token,uint256 amount)")

	stateTypeHash = typeHash("DealState(address provider,bytes32 paramsHash,bytes32[] items,Term[] terms,TokenCost cost)" +
		"Term(address impl,bytes payload)TokenCost(string token,uint256 amount)")
)

// Domain pins a signature to one registry instance: name and version are
// fixed at construction, chain id and contract identity come from deployment.
type Domain struct {
	Name     string
	Version  string
	ChainID  uint64
	Contract [20]byte
}

// Separator returns the domain-separator digest folded into every signing
// digest produced for this registry instance.
func (d Domain) Separator() [32]byte {
	return keccakWords(
		domainTypeHash,
		keccakBytes([]byte(d.Name)),
		keccakBytes([]byte(d.Version)),
		uintWord(d.ChainID),
		addressWord(d.Contract),
	)
}

// SigningDigest wraps a struct digest in the two-byte domain envelope so the
// resulting digest is meaningless outside this registry instance and version.
func SigningDigest(domain Domain, structHash [32]byte) [32]byte {
	sep := domain.Separator()
	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, sep[:]...)
	buf = append(buf, structHash[:]...)
	return ethcrypto.Keccak256Hash(buf)
}

// HashBid returns the structured digest identifying a bid.
func HashBid(b *Bid) [32]byte {
	items := make([][32]byte, 0, len(b.Items))
	items = append(items, b.Items...)
	terms := make([][32]byte, len(b.Terms))
	for i, t := range b.Terms {
		terms[i] = hashTerm(t)
	}
	optItems := make([][32]byte, len(b.OptionItems))
	for i, opt := range b.OptionItems {
		optItems[i] = hashItemOption(opt)
	}
	optTerms := make([][32]byte, len(b.OptionTerms))
	for i, opt := range b.OptionTerms {
		optTerms[i] = hashTermOption(opt)
	}
	return keccakWords(
		bidTypeHash,
		addressWord(b.Provider),
		b.ParamsHash,
		hashWordArray(items),
		hashWordArray(terms),
		hashWordArray(optItems),
		hashWordArray(optTerms),
		uintWord(b.Limit),
		uintWord(uint64(b.Expiry)),
		hashCosts(b.Cost),
	)
}

// HashStayParams returns the structured digest of the stay parameters. It
// must equal the bid's recorded ParamsHash for an admission to proceed.
func HashStayParams(p StayParams) [32]byte {
	return keccakWords(
		stayParamsTypeHash,
		hashDateTime(p.CheckIn),
		hashDateTime(p.CheckOut),
		uintWord(p.Adults),
		uintWord(p.Children),
	)
}

// HashState returns the structured digest of the full deal state record, the
// value persisted on the stub.
func HashState(s *State) [32]byte {
	items := make([][32]byte, 0, len(s.Items))
	items = append(items, s.Items...)
	terms := make([][32]byte, len(s.Terms))
	for i, t := range s.Terms {
		terms[i] = hashTerm(t)
	}
	return keccakWords(
		stateTypeHash,
		addressWord(s.Provider),
		s.ParamsHash,
		hashWordArray(items),
		hashWordArray(terms),
		hashTokenCost(s.Cost),
	)
}

func hashDateTime(dt DateTime) [32]byte {
	return keccakWords(
		dateTimeTypeHash,
		uintWord(dt.Year),
		uintWord(dt.Month),
		uintWord(dt.Day),
		uintWord(dt.Hour),
		uintWord(dt.Minute),
	)
}

func hashTerm(t Term) [32]byte {
	return keccakWords(termTypeHash, addressWord(t.Impl), keccakBytes(t.Payload))
}

func hashTokenCost(c TokenCost) [32]byte {
	amount := c.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return keccakWords(tokenCostTypeHash, keccakBytes([]byte(c.Token)), bigWord(amount))
}

func hashCosts(costs []TokenCost) [32]byte {
	hashed := make([][32]byte, len(costs))
	for i, c := range costs {
		hashed[i] = hashTokenCost(c)
	}
	return hashWordArray(hashed)
}

func hashItemOption(opt ItemOption) [32]byte {
	return keccakWords(itemOptionTypeHash, opt.Item, hashCosts(opt.Cost))
}

func hashTermOption(opt TermOption) [32]byte {
	return keccakWords(termOptionTypeHash, hashTerm(opt.Term), hashCosts(opt.Cost))
}

func typeHash(signature string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(signature))
}

func keccakBytes(b []byte) [32]byte {
	return ethcrypto.Keccak256Hash(b)
}

func keccakWords(words ...[32]byte) [32]byte {
	buf := make([]byte, 0, len(words)*32)
	for _, w := range words {
		buf = append(buf, w[:]...)
	}
	return ethcrypto.Keccak256Hash(buf)
}

func hashWordArray(words [][32]byte) [32]byte {
	return keccakWords(words...)
}

func uintWord(v uint64) [32]byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[24:], v)
	return out
}

func addressWord(addr [20]byte) [32]byte {
	var out [32]byte
	copy(out[12:], addr[:])
	return out
}

func bigWord(v *big.Int) [32]byte {
	var out [32]byte
	v.FillBytes(out[:])
	return out
}
