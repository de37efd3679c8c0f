package verification

import (
	"encoding/base64"
	"strconv"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// solanaTransfer is the economically relevant content of a client-signed
// transaction: who pays whom, how much, in what asset.
type solanaTransfer struct {
	FeePayer    string
	Owner       string
	Destination string
	Mint        string
	Amount      uint64
}

// verifySolana decodes the client-signed transaction, checks every
// signature it carries, and walks the instructions for the transfer that
// satisfies the payment requirements. Expiry is delegated to the chain's
// own blockhash window at submission time.
func verifySolana(payload *types.SolanaPayload, req *types.PaymentRequirements, dep registry.Deployment) *types.VerificationResult {
	txBytes, err := base64.StdEncoding.DecodeString(payload.Transaction)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "transaction is not valid base64: %v", err)
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(txBytes))
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "transaction decode failed: %v", err)
	}

	if err := tx.VerifySignatures(); err != nil {
		return types.Invalid(types.ErrInvalidSignature, "signature check failed: %v", err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return types.Invalid(types.ErrMalformedPayload, "transaction has no accounts")
	}

	transfer, result := extractTransfer(tx)
	if result != nil {
		return result
	}

	required, err := types.ParseAmount(req.MaxAmountRequired)
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "maxAmountRequired: %v", err)
	}
	offered, err := types.ParseAmount(strconv.FormatUint(transfer.Amount, 10))
	if err != nil {
		return types.Invalid(types.ErrMalformedPayload, "transfer amount: %v", err)
	}
	if offered.LessThan(required) {
		return types.Invalid(types.ErrMalformedPayload, "transfer amount below required amount")
	}

	if transfer.Mint != "" && transfer.Mint != dep.AssetAddress {
		return types.Invalid(types.ErrMalformedPayload, "transfer mint %s does not match settlement asset", transfer.Mint)
	}

	if !destinationMatchesPayTo(transfer, req.PayTo) {
		return types.Invalid(types.ErrMalformedPayload, "transfer destination does not match payTo")
	}

	return &types.VerificationResult{
		IsValid: true,
		Payer:   transfer.Owner,
		Payee:   req.PayTo,
		Amount:  strconv.FormatUint(transfer.Amount, 10),
	}
}

// extractTransfer finds the first SPL TransferChecked or System transfer in
// the message. Transactions with no recognizable transfer are rejected.
func extractTransfer(tx *solana.Transaction) (solanaTransfer, *types.VerificationResult) {
	feePayer := tx.Message.AccountKeys[0].String()

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return solanaTransfer{}, types.Invalid(types.ErrMalformedPayload, "instruction program index out of range")
		}
		prog := tx.Message.AccountKeys[inst.ProgramIDIndex]

		metas, badIdx := instructionAccounts(tx, inst)
		if badIdx {
			return solanaTransfer{}, types.Invalid(types.ErrMalformedPayload, "instruction account index out of range")
		}

		switch {
		case prog.Equals(solana.TokenProgramID):
			decoded, err := token.DecodeInstruction(metas, inst.Data)
			if err != nil {
				continue
			}
			if tc, ok := decoded.Impl.(*token.TransferChecked); ok {
				return solanaTransfer{
					FeePayer:    feePayer,
					Owner:       tc.GetOwnerAccount().PublicKey.String(),
					Destination: tc.GetDestinationAccount().PublicKey.String(),
					Mint:        tc.GetMintAccount().PublicKey.String(),
					Amount:      *tc.Amount,
				}, nil
			}

		case prog.Equals(solana.SystemProgramID):
			decoded, err := system.DecodeInstruction(metas, inst.Data)
			if err != nil {
				continue
			}
			if tr, ok := decoded.Impl.(*system.Transfer); ok && len(metas) >= 2 {
				return solanaTransfer{
					FeePayer:    feePayer,
					Owner:       metas[0].PublicKey.String(),
					Destination: metas[1].PublicKey.String(),
					Amount:      *tr.Lamports,
				}, nil
			}
		}
	}
	return solanaTransfer{}, types.Invalid(types.ErrMalformedPayload, "no transfer instruction found")
}

func instructionAccounts(tx *solana.Transaction, inst solana.CompiledInstruction) ([]*solana.AccountMeta, bool) {
	metas := make([]*solana.AccountMeta, len(inst.Accounts))
	for i, idx := range inst.Accounts {
		if int(idx) >= len(tx.Message.AccountKeys) {
			return nil, true
		}
		pub := tx.Message.AccountKeys[idx]
		writable, err := tx.Message.IsWritable(pub)
		if err != nil {
			writable = false
		}
		metas[i] = &solana.AccountMeta{
			PublicKey:  pub,
			IsSigner:   tx.Message.IsSigner(pub),
			IsWritable: writable,
		}
	}
	return metas, false
}

// destinationMatchesPayTo accepts payTo given either as the destination
// token account itself or as the wallet owning the associated token
// account.
func destinationMatchesPayTo(transfer solanaTransfer, payTo string) bool {
	if transfer.Destination == payTo {
		return true
	}
	if transfer.Mint == "" {
		return false
	}
	wallet, err := solana.PublicKeyFromBase58(payTo)
	if err != nil {
		return false
	}
	mint, err := solana.PublicKeyFromBase58(transfer.Mint)
	if err != nil {
		return false
	}
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return false
	}
	return transfer.Destination == ata.String()
}
