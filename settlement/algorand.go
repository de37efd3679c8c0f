package settlement

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"sort"
	"strings"
	"time"

	"github.com/ultravioletadao/x402-facilitator/clients"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/types"
)

const (
	algorandMinFee     = 1000
	algorandWaitRounds = 10
	// algorandValidRounds bounds the group's validity window.
	algorandValidRounds = 1000
)

var algorandB32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func algorandDecodeAddress(addr string) ([]byte, error) {
	raw, err := algorandB32.DecodeString(strings.TrimSpace(addr))
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "address is not valid base32")
	}
	if len(raw) != ed25519.PublicKeySize+4 {
		return nil, types.NewError(types.ErrMalformedPayload, "address has wrong length")
	}
	key := raw[:ed25519.PublicKeySize]
	digest := sha512.Sum512_256(key)
	if !bytes.Equal(digest[len(digest)-4:], raw[ed25519.PublicKeySize:]) {
		return nil, types.NewError(types.ErrMalformedPayload, "address checksum mismatch")
	}
	return key, nil
}

// algorandTxID is the canonical transaction id: base32 of the hash over
// the domain-separated unsigned transaction bytes.
func algorandTxID(txnBytes []byte) string {
	digest := sha512.Sum512_256(append([]byte("TX"), txnBytes...))
	return algorandB32.EncodeToString(digest[:])
}

// PrepareAlgorand is stage 1 of the group-transaction protocol: build the
// payer's asset transfer and the facilitator's fee transaction as an
// atomic group, store both server-side and hand the unsigned payer
// transaction out for signing. The group id binds the pair so neither can
// settle alone.
func (s *Service) PrepareAlgorand(ctx context.Context, req *types.PrepareRequest) (*types.PrepareResponse, error) {
	dep, err := s.registry.Resolve(req.Network)
	if err != nil {
		return nil, err
	}
	if dep.Family != types.FamilyAlgorand {
		return nil, types.NewError(types.ErrUnsupportedNetwork, "network %s is not a group-transaction network", req.Network)
	}
	client, ok := s.algorand[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}
	key, err := s.keys.ForNetwork(dep.Network)
	if err != nil {
		return nil, err
	}

	payerKey, err := algorandDecodeAddress(req.Payer)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "payer address")
	}
	payToKey, err := algorandDecodeAddress(req.PayTo)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "payTo address")
	}
	facilitatorKey, err := algorandDecodeAddress(key.Address)
	if err != nil {
		return nil, err
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if !amount.IsInteger() {
		return nil, types.NewError(types.ErrMalformedPayload, "amount must be in atomic units")
	}
	assetID, err := types.ParseAmount(dep.AssetAddress)
	if err != nil {
		return nil, types.WrapError(types.ErrUnsupportedNetwork, err, "asset id for %s is not numeric", dep.Network)
	}

	var params clients.SuggestedParams
	if err := withRetry(ctx, func() error {
		var innerErr error
		params, innerErr = client.TransactionParams(ctx)
		return innerErr
	}); err != nil {
		return nil, err
	}
	genesisHash, err := base64.StdEncoding.DecodeString(params.GenesisHashB64)
	if err != nil {
		return nil, types.WrapError(types.ErrRpcPermanent, err, "node returned malformed genesis hash")
	}
	firstValid := params.FirstValid
	lastValid := firstValid + algorandValidRounds
	minFee := params.MinFee
	if minFee == 0 {
		minFee = algorandMinFee
	}

	// The payer's transfer carries zero fee; the facilitator's own
	// transaction pays for the whole group.
	payment := msgpackMap(
		mpUint("aamt", uint64(amount.IntPart())),
		mpBin("arcv", payToKey),
		mpUint("fv", firstValid),
		mpStr("gen", params.GenesisID),
		mpBin("gh", genesisHash),
		mpUint("lv", lastValid),
		mpBin("snd", payerKey),
		mpStr("type", "axfer"),
		mpUint("xaid", uint64(assetID.IntPart())),
	)
	feeTxn := msgpackMap(
		mpUint("fee", 2*minFee),
		mpUint("fv", firstValid),
		mpStr("gen", params.GenesisID),
		mpBin("gh", genesisHash),
		mpUint("lv", lastValid),
		mpBin("rcv", facilitatorKey),
		mpBin("snd", facilitatorKey),
		mpStr("type", "pay"),
	)

	groupID := computeGroupID(payment, feeTxn)

	payment = msgpackMap(
		mpUint("aamt", uint64(amount.IntPart())),
		mpBin("arcv", payToKey),
		mpUint("fv", firstValid),
		mpStr("gen", params.GenesisID),
		mpBin("gh", genesisHash),
		mpBin("grp", groupID),
		mpUint("lv", lastValid),
		mpBin("snd", payerKey),
		mpStr("type", "axfer"),
		mpUint("xaid", uint64(assetID.IntPart())),
	)
	feeTxn = msgpackMap(
		mpUint("fee", 2*minFee),
		mpUint("fv", firstValid),
		mpStr("gen", params.GenesisID),
		mpBin("gh", genesisHash),
		mpBin("grp", groupID),
		mpUint("lv", lastValid),
		mpBin("rcv", facilitatorKey),
		mpBin("snd", facilitatorKey),
		mpStr("type", "pay"),
	)

	session := s.sessions.Put(replay.PrepareSession{
		Network:    dep.Network,
		Payer:      req.Payer,
		PayTo:      req.PayTo,
		Amount:     req.Amount,
		GroupID:    groupID,
		PaymentTxn: payment,
		FeeTxn:     feeTxn,
	})

	return &types.PrepareResponse{
		PrepareID:           session.ID,
		UnsignedTransaction: base64.StdEncoding.EncodeToString(payment),
		GroupID:             base64.StdEncoding.EncodeToString(groupID),
		ExpiresAt:           session.ExpiresAt,
	}, nil
}

// computeGroupID hashes the group member transaction ids under the "TG"
// domain separator.
func computeGroupID(txns ...[]byte) []byte {
	hashes := make([]msgpackValue, len(txns))
	for i, txn := range txns {
		digest := sha512.Sum512_256(append([]byte("TX"), txn...))
		hashes[i] = msgpackValue{kind: mpKindBin, bin: digest[:]}
	}
	group := msgpackMap(mpArr("txlist", hashes))
	digest := sha512.Sum512_256(append([]byte("TG"), group...))
	return digest[:]
}

// settleAlgorand is stage 2: consume the prepare session, check the
// transaction id against every uniqueness source, co-sign the fee
// transaction and submit the group.
func (s *Service) settleAlgorand(ctx context.Context, payload *types.AlgorandPayload, dep registry.Deployment, key SigningKey, res *types.VerificationResult) (*types.SettlementReceipt, error) {
	client, ok := s.algorand[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no client for network %s", dep.Network)
	}
	guard, ok := s.guards[dep.Network]
	if !ok {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "no transaction guard for network %s", dep.Network)
	}
	if len(key.Ed25519) != ed25519.PrivateKeySize {
		return nil, types.NewError(types.ErrNoEndpointConfigured, "signing key for %s is not ed25519", dep.Network)
	}

	session, err := s.sessions.Take(payload.PrepareID)
	if err != nil {
		return nil, err
	}

	if err := guard.CheckAndRecord(ctx, algorandTxID(session.PaymentTxn)); err != nil {
		return nil, err
	}

	signedPayment, err := base64.StdEncoding.DecodeString(payload.SignedTransaction)
	if err != nil {
		return nil, types.WrapError(types.ErrMalformedPayload, err, "signed transaction is not valid base64")
	}

	feeSig := ed25519.Sign(key.Ed25519, append([]byte("TX"), session.FeeTxn...))
	signedFee := msgpackSignedTxn(feeSig, session.FeeTxn)

	group := make([]byte, 0, len(signedPayment)+len(signedFee))
	group = append(group, signedPayment...)
	group = append(group, signedFee...)

	var txID string
	if err := withRetry(ctx, func() error {
		var innerErr error
		txID, innerErr = client.SubmitGroup(ctx, group)
		return innerErr
	}); err != nil {
		return nil, err
	}
	if txID == "" {
		txID = algorandTxID(session.PaymentTxn)
	}
	if _, err := client.WaitForConfirmation(ctx, txID, algorandWaitRounds); err != nil {
		return nil, err
	}

	return &types.SettlementReceipt{
		Network:     dep.Network,
		Transaction: txID,
		Confirmed:   true,
		Amount:      res.Amount,
		Payer:       res.Payer,
		Payee:       res.Payee,
		SettledAt:   time.Now().UTC(),
	}, nil
}

// msgpackSignedTxn wraps a transaction and its signature in the canonical
// signed-transaction envelope.
func msgpackSignedTxn(sig []byte, txn []byte) []byte {
	out := []byte{0x82} // fixmap, 2 entries; "sig" sorts before "txn"
	out = appendMsgpackStr(out, "sig")
	out = appendMsgpackBin(out, sig)
	out = appendMsgpackStr(out, "txn")
	out = append(out, txn...)
	return out
}

// Canonical msgpack encoding: map keys sorted, zero values omitted by the
// caller, fix formats for the small sizes that occur here.

type msgpackKind int

const (
	mpKindUint msgpackKind = iota
	mpKindStr
	mpKindBin
	mpKindArr
)

type msgpackValue struct {
	kind msgpackKind
	num  uint64
	str  string
	bin  []byte
	arr  []msgpackValue
}

type msgpackField struct {
	key   string
	value msgpackValue
}

func mpUint(key string, v uint64) msgpackField {
	return msgpackField{key, msgpackValue{kind: mpKindUint, num: v}}
}

func mpStr(key, v string) msgpackField {
	return msgpackField{key, msgpackValue{kind: mpKindStr, str: v}}
}

func mpBin(key string, v []byte) msgpackField {
	return msgpackField{key, msgpackValue{kind: mpKindBin, bin: v}}
}

func mpArr(key string, v []msgpackValue) msgpackField {
	return msgpackField{key, msgpackValue{kind: mpKindArr, arr: v}}
}

func msgpackMap(fields ...msgpackField) []byte {
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	out := []byte{0x80 | byte(len(fields))}
	for _, f := range fields {
		out = appendMsgpackStr(out, f.key)
		out = appendMsgpackValue(out, f.value)
	}
	return out
}

func appendMsgpackValue(out []byte, v msgpackValue) []byte {
	switch v.kind {
	case mpKindUint:
		return appendMsgpackUint(out, v.num)
	case mpKindStr:
		return appendMsgpackStr(out, v.str)
	case mpKindBin:
		return appendMsgpackBin(out, v.bin)
	case mpKindArr:
		out = append(out, 0x90|byte(len(v.arr)))
		for _, elem := range v.arr {
			out = appendMsgpackValue(out, elem)
		}
		return out
	}
	return out
}

func appendMsgpackUint(out []byte, v uint64) []byte {
	switch {
	case v <= 0x7f:
		return append(out, byte(v))
	case v <= 0xff:
		return append(out, 0xcc, byte(v))
	case v <= 0xffff:
		return append(out, 0xcd, byte(v>>8), byte(v))
	case v <= 0xffffffff:
		return append(out, 0xce, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(out, 0xcf,
			byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

func appendMsgpackStr(out []byte, s string) []byte {
	out = append(out, 0xa0|byte(len(s)))
	return append(out, s...)
}

func appendMsgpackBin(out []byte, b []byte) []byte {
	out = append(out, 0xc4, byte(len(b)))
	return append(out, b...)
}
