// Package wallet implements the holder side of the protocol: it keeps
// proofs in a local bbolt database, derives secrets deterministically
// from a bip39 seed, and talks to a single mint over its HTTP API.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"net/url"
	"os"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut10"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/cashu/nuts/nut12"
	"github.com/cashmill/cashmill/cashu/nuts/nut13"
	"github.com/cashmill/cashmill/crypto"
	"github.com/cashmill/cashmill/wallet/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInsufficientBalance = errors.New("not enough funds in wallet")
	ErrQuoteNotPaid        = errors.New("invoice not paid")
	ErrInvalidDLEQ         = errors.New("mint returned signatures with invalid DLEQ proofs")
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
}

type Wallet struct {
	db        storage.WalletDB
	masterKey *hdkeychain.ExtendedKey

	mintURL string
	unit    cashu.Unit

	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

func LoadWallet(config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	db, err := storage.InitBolt(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %v", err)
	}

	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
			return nil, err
		}
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mintURL, err := url.Parse(config.CurrentMintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	wallet := &Wallet{
		db:        db,
		masterKey: masterKey,
		mintURL:   mintURL.String(),
		unit:      cashu.Sat,
	}

	activeKeyset, err := GetMintActiveKeyset(wallet.mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset from mint: %v", err)
	}
	if stored := db.GetKeyset(activeKeyset.Id); stored != nil {
		activeKeyset.Counter = stored.Counter
	}
	if err := db.SaveKeyset(activeKeyset); err != nil {
		return nil, err
	}
	wallet.activeKeyset = *activeKeyset

	inactiveKeysets, err := GetMintInactiveKeysets(wallet.mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}
	wallet.inactiveKeysets = inactiveKeysets

	return wallet, nil
}

func (w *Wallet) Shutdown() error {
	return w.db.Close()
}

func (w *Wallet) CurrentMint() string { return w.mintURL }

func (w *Wallet) Mnemonic() string { return w.db.GetMnemonic() }

// GetBalance sums the proofs the wallet can spend right now.
func (w *Wallet) GetBalance() uint64 {
	var balance uint64
	for _, proof := range w.db.GetProofsByState(nut07.Unspent) {
		balance += proof.Amount
	}
	return balance
}

// PendingBalance sums proofs committed to an in-flight send or melt.
func (w *Wallet) PendingBalance() uint64 {
	var balance uint64
	for _, proof := range w.db.GetProofsByState(nut07.PendingSpent) {
		balance += proof.Amount
	}
	for _, proof := range w.db.GetProofsByState(nut07.Reserved) {
		balance += proof.Amount
	}
	return balance
}

// RequestMint asks the mint for an invoice to pay.
func (w *Wallet) RequestMint(amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	mintResponse, err := PostMintQuoteBolt11(w.mintURL, nut04.PostMintQuoteBolt11Request{
		Amount: amount, Unit: w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	err = w.db.SaveMintQuote(storage.MintQuote{
		QuoteId:        mintResponse.Quote,
		Mint:           w.mintURL,
		Amount:         amount,
		PaymentRequest: mintResponse.Request,
		State:          mintResponse.State,
		Expiry:         mintResponse.Expiry,
	})
	if err != nil {
		return nil, err
	}
	return mintResponse, nil
}

// MintTokens redeems a paid mint quote for ecash. Returns the amount
// minted.
func (w *Wallet) MintTokens(quoteId string) (uint64, error) {
	quoteState, err := GetMintQuoteState(w.mintURL, quoteId)
	if err != nil {
		return 0, err
	}
	if quoteState.State == nut04.Issued {
		return 0, errors.New("quote has already been issued")
	}
	if quoteState.State != nut04.Paid {
		return 0, ErrQuoteNotPaid
	}

	var quoteAmount uint64
	for _, quote := range w.db.GetMintQuotes() {
		if quote.QuoteId == quoteId {
			quoteAmount = quote.Amount
			break
		}
	}
	if quoteAmount == 0 {
		return 0, errors.New("unknown mint quote")
	}

	split := cashu.AmountSplit(quoteAmount)
	blindedMessages, secrets, rs, err := w.createBlindedMessages(split, w.activeKeyset.Id)
	if err != nil {
		return 0, err
	}

	mintResponse, err := PostMintBolt11(w.mintURL, nut04.PostMintBolt11Request{
		Quote: quoteId, Outputs: blindedMessages,
	})
	if err != nil {
		return 0, err
	}

	proofs, err := w.constructProofs(mintResponse.Signatures, blindedMessages, secrets, rs, &w.activeKeyset)
	if err != nil {
		return 0, fmt.Errorf("error constructing proofs: %v", err)
	}

	if err := w.storeProofs(proofs, nut07.Unspent, ""); err != nil {
		return 0, err
	}
	return proofs.Amount(), nil
}

// Send reserves proofs worth amount and packs them in a V4 token. The
// proofs leave the wallet as PendingSpent; ReclaimPending settles them
// once the receiver redeems the token.
func (w *Wallet) Send(amount uint64) (cashu.Token, error) {
	proofsToSend, err := w.getProofsForAmount(amount)
	if err != nil {
		return nil, err
	}

	token, err := cashu.NewTokenV4(proofsToSend, w.mintURL, w.unit, true)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// SendToPubkey sends ecash locked to the public key.
func (w *Wallet) SendToPubkey(amount uint64, pubkey *secp256k1.PublicKey) (cashu.Token, error) {
	if pubkey == nil {
		return nil, errors.New("invalid public key to lock ecash")
	}
	pubkeyHex := hex.EncodeToString(pubkey.SerializeCompressed())
	return w.swapToLocked(amount, func() (string, error) {
		return nut11.P2PKSecret(pubkeyHex)
	})
}

// SendHTLC sends ecash redeemable with the preimage of the hash.
func (w *Wallet) SendHTLC(amount uint64, hash string) (cashu.Token, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil || len(hashBytes) != 32 {
		return nil, errors.New("invalid hash to lock ecash")
	}
	return w.swapToLocked(amount, func() (string, error) {
		return nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
			Kind: nut10.HTLC,
			Data: hash,
		})
	})
}

// Receive swaps the token's proofs for fresh ones of our own so the
// sender can no longer double-spend them. Returns the amount received
// after fees.
func (w *Wallet) Receive(token cashu.Token, verifyDLEQ bool) (uint64, error) {
	if token.Mint() != w.mintURL {
		return 0, errors.New("token is from a different mint")
	}
	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}

	if verifyDLEQ {
		if !w.verifyProofsDLEQ(proofs) {
			return 0, errors.New("token contains proofs with invalid DLEQ")
		}
	}

	// sign any proofs locked to our key
	proofs, err := w.addWitnessesToProofs(proofs)
	if err != nil {
		return 0, err
	}

	return w.swapProofsIn(proofs)
}

// swapProofsIn swaps incoming proofs for fresh wallet-owned ones.
func (w *Wallet) swapProofsIn(proofs cashu.Proofs) (uint64, error) {
	if err := w.refreshKeysets(); err != nil {
		return 0, fmt.Errorf("error refreshing keysets: %v", err)
	}

	fee := w.feesForProofs(proofs)
	if proofs.Amount() <= fee {
		return 0, errors.New("token amount does not cover the swap fee")
	}
	outputAmount := proofs.Amount() - fee

	split := cashu.AmountSplit(outputAmount)
	outputs, secrets, rs, err := w.createBlindedMessages(split, w.activeKeyset.Id)
	if err != nil {
		return 0, err
	}

	swapResponse, err := PostSwap(w.mintURL, nut03.PostSwapRequest{
		Inputs: proofs, Outputs: outputs,
	})
	if err != nil {
		return 0, err
	}

	newProofs, err := w.constructProofs(swapResponse.Signatures, outputs, secrets, rs, &w.activeKeyset)
	if err != nil {
		return 0, err
	}
	if err := w.storeProofs(newProofs, nut07.Unspent, ""); err != nil {
		return 0, err
	}
	return newProofs.Amount(), nil
}

// Melt pays the invoice with proofs from the wallet. Inputs sit as
// PendingSpent while the payment is in flight.
func (w *Wallet) Melt(invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	meltQuote, err := PostMeltQuoteBolt11(w.mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: invoice, Unit: w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	err = w.db.SaveMeltQuote(storage.MeltQuote{
		QuoteId:        meltQuote.Quote,
		Mint:           w.mintURL,
		Amount:         meltQuote.Amount,
		FeeReserve:     meltQuote.FeeReserve,
		PaymentRequest: invoice,
		State:          meltQuote.State,
		Expiry:         meltQuote.Expiry,
	})
	if err != nil {
		return nil, err
	}

	inputs, err := w.selectProofs(meltQuote.Amount + meltQuote.FeeReserve)
	if err != nil {
		return nil, err
	}
	inputYs, err := proofYs(inputs)
	if err != nil {
		return nil, err
	}

	// blank outputs for fee reserve change
	changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(
		blankOutputAmounts(meltQuote.FeeReserve), w.activeKeyset.Id)
	if err != nil {
		return nil, err
	}

	if err := w.markProofsPendingSpent(inputYs, meltQuote.Quote); err != nil {
		return nil, err
	}

	meltResponse, err := PostMeltBolt11(w.mintURL, nut05.PostMeltBolt11Request{
		Quote: meltQuote.Quote, Inputs: inputs, Outputs: changeOutputs,
	})
	if err != nil {
		// payment did not happen, proofs are spendable again
		w.db.SetProofsState(inputYs, nut07.Unspent)
		return nil, err
	}

	switch meltResponse.State {
	case nut05.Paid:
		if err := w.db.DeleteProofs(inputYs); err != nil {
			return nil, err
		}
		if len(meltResponse.Change) > 0 {
			n := len(meltResponse.Change)
			change, err := w.constructProofs(meltResponse.Change,
				changeOutputs[:n], changeSecrets[:n], changeRs[:n], &w.activeKeyset)
			if err != nil {
				return nil, fmt.Errorf("error constructing change proofs: %v", err)
			}
			if err := w.storeProofs(change, nut07.Unspent, ""); err != nil {
				return nil, err
			}
		}
	case nut05.Pending, nut05.Unknown:
		// leave inputs PendingSpent until CheckMeltQuote resolves it
	default:
		w.db.SetProofsState(inputYs, nut07.Unspent)
	}

	quote := storage.MeltQuote{
		QuoteId:        meltQuote.Quote,
		Mint:           w.mintURL,
		Amount:         meltQuote.Amount,
		FeeReserve:     meltQuote.FeeReserve,
		PaymentRequest: invoice,
		State:          meltResponse.State,
		Expiry:         meltQuote.Expiry,
		Preimage:       meltResponse.Preimage,
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, err
	}

	return meltResponse, nil
}

// CheckMeltQuote re-checks a melt whose payment was left in flight and
// settles the wallet's pending proofs accordingly.
func (w *Wallet) CheckMeltQuote(quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	quoteResponse, err := GetMeltQuoteState(w.mintURL, quoteId)
	if err != nil {
		return nil, err
	}

	pendingYs := []string{}
	for _, proof := range w.db.GetProofsByState(nut07.PendingSpent) {
		if proof.MeltQuoteId == quoteId {
			pendingYs = append(pendingYs, proof.Y)
		}
	}
	if len(pendingYs) == 0 {
		return quoteResponse, nil
	}

	switch quoteResponse.State {
	case nut05.Paid:
		if err := w.db.DeleteProofs(pendingYs); err != nil {
			return nil, err
		}
	case nut05.Unpaid, nut05.Failed:
		if err := w.db.SetProofsState(pendingYs, nut07.Unspent); err != nil {
			return nil, err
		}
	}
	return quoteResponse, nil
}

// ReclaimPending checks every Reserved and PendingSpent proof with the
// mint: spent proofs are dropped, unspent ones return to the balance.
// Returns the amount reclaimed.
func (w *Wallet) ReclaimPending() (uint64, error) {
	pending := w.db.GetProofsByState(nut07.PendingSpent)
	pending = append(pending, w.db.GetProofsByState(nut07.Reserved)...)
	if len(pending) == 0 {
		return 0, nil
	}

	Ys := make([]string, len(pending))
	amounts := make(map[string]uint64, len(pending))
	for i, proof := range pending {
		Ys[i] = proof.Y
		amounts[proof.Y] = proof.Amount
	}

	stateResponse, err := PostCheckProofState(w.mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return 0, err
	}

	var reclaimed uint64
	spent := []string{}
	unspent := []string{}
	for _, proofState := range stateResponse.States {
		switch proofState.State {
		case nut07.Spent:
			spent = append(spent, proofState.Y)
		case nut07.Unspent:
			unspent = append(unspent, proofState.Y)
			reclaimed += amounts[proofState.Y]
		}
	}

	if len(spent) > 0 {
		if err := w.db.DeleteProofs(spent); err != nil {
			return 0, err
		}
	}
	if len(unspent) > 0 {
		if err := w.db.SetProofsState(unspent, nut07.Unspent); err != nil {
			return 0, err
		}
	}
	return reclaimed, nil
}

// selectProofs picks unspent proofs covering amount plus the input fee
// they will incur, preferring proofs from inactive keysets.
func (w *Wallet) selectProofs(amount uint64) (cashu.Proofs, error) {
	unspent := w.db.GetProofsByState(nut07.Unspent)

	inactive := cashu.Proofs{}
	active := cashu.Proofs{}
	for _, dbProof := range unspent {
		proof := cashu.Proof{
			Amount: dbProof.Amount,
			Id:     dbProof.Id,
			Secret: dbProof.Secret,
			C:      dbProof.C,
			DLEQ:   dbProof.DLEQ,
		}
		if _, ok := w.inactiveKeysets[proof.Id]; ok {
			inactive = append(inactive, proof)
		} else {
			active = append(active, proof)
		}
	}

	selected := cashu.Proofs{}
	var total uint64
	for _, proof := range append(inactive, active...) {
		if total >= amount+w.feesForProofs(selected) {
			break
		}
		selected = append(selected, proof)
		total += proof.Amount
	}
	if total < amount+w.feesForProofs(selected) {
		return nil, ErrInsufficientBalance
	}
	return selected, nil
}

// getProofsForAmount returns proofs worth exactly amount, swapping
// through the mint when the selection does not match.
func (w *Wallet) getProofsForAmount(amount uint64) (cashu.Proofs, error) {
	if err := w.refreshKeysets(); err != nil {
		return nil, fmt.Errorf("error refreshing keysets: %v", err)
	}

	selected, err := w.selectProofs(amount)
	if err != nil {
		return nil, err
	}
	selectedYs, err := proofYs(selected)
	if err != nil {
		return nil, err
	}
	fee := w.feesForProofs(selected)

	if selected.Amount() == amount {
		if err := w.markProofsPendingSpent(selectedYs, ""); err != nil {
			return nil, err
		}
		return selected, nil
	}

	// swap for exact denominations plus change
	if err := w.db.SetProofsState(selectedYs, nut07.Reserved); err != nil {
		return nil, err
	}

	sendSplit := cashu.AmountSplit(amount)
	changeSplit := cashu.AmountSplit(selected.Amount() - amount - fee)
	split := append(append([]uint64{}, sendSplit...), changeSplit...)

	outputs, secrets, rs, err := w.createBlindedMessages(split, w.activeKeyset.Id)
	if err != nil {
		w.db.SetProofsState(selectedYs, nut07.Unspent)
		return nil, err
	}

	swapResponse, err := PostSwap(w.mintURL, nut03.PostSwapRequest{
		Inputs: selected, Outputs: outputs,
	})
	if err != nil {
		w.db.SetProofsState(selectedYs, nut07.Unspent)
		return nil, err
	}

	if err := w.db.DeleteProofs(selectedYs); err != nil {
		return nil, err
	}

	newProofs, err := w.constructProofs(swapResponse.Signatures, outputs, secrets, rs, &w.activeKeyset)
	if err != nil {
		return nil, err
	}

	proofsToSend := newProofs[:len(sendSplit)]
	change := newProofs[len(sendSplit):]

	if err := w.storeProofs(change, nut07.Unspent, ""); err != nil {
		return nil, err
	}
	if err := w.storeProofs(proofsToSend, nut07.PendingSpent, ""); err != nil {
		return nil, err
	}
	return proofsToSend, nil
}

// swapToLocked swaps wallet proofs into proofs carrying the spending
// condition built by makeSecret. Locked secrets are random, not
// derived from the seed, since they are leaving the wallet.
func (w *Wallet) swapToLocked(amount uint64, makeSecret func() (string, error)) (cashu.Token, error) {
	if err := w.refreshKeysets(); err != nil {
		return nil, fmt.Errorf("error refreshing keysets: %v", err)
	}

	selected, err := w.selectProofs(amount)
	if err != nil {
		return nil, err
	}
	selectedYs, err := proofYs(selected)
	if err != nil {
		return nil, err
	}
	fee := w.feesForProofs(selected)

	if err := w.db.SetProofsState(selectedYs, nut07.Reserved); err != nil {
		return nil, err
	}

	lockedSplit := cashu.AmountSplit(amount)
	lockedOutputs := make(cashu.BlindedMessages, len(lockedSplit))
	lockedSecrets := make([]string, len(lockedSplit))
	lockedRs := make([]*secp256k1.PrivateKey, len(lockedSplit))
	for i, amt := range lockedSplit {
		secret, err := makeSecret()
		if err != nil {
			w.db.SetProofsState(selectedYs, nut07.Unspent)
			return nil, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			w.db.SetProofsState(selectedYs, nut07.Unspent)
			return nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			w.db.SetProofsState(selectedYs, nut07.Unspent)
			return nil, err
		}
		lockedOutputs[i] = cashu.NewBlindedMessage(w.activeKeyset.Id, amt, B_)
		lockedSecrets[i] = secret
		lockedRs[i] = r
	}

	changeSplit := cashu.AmountSplit(selected.Amount() - amount - fee)
	changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(changeSplit, w.activeKeyset.Id)
	if err != nil {
		w.db.SetProofsState(selectedYs, nut07.Unspent)
		return nil, err
	}

	outputs := append(append(cashu.BlindedMessages{}, lockedOutputs...), changeOutputs...)
	swapResponse, err := PostSwap(w.mintURL, nut03.PostSwapRequest{
		Inputs: selected, Outputs: outputs,
	})
	if err != nil {
		w.db.SetProofsState(selectedYs, nut07.Unspent)
		return nil, err
	}

	if err := w.db.DeleteProofs(selectedYs); err != nil {
		return nil, err
	}

	secrets := append(append([]string{}, lockedSecrets...), changeSecrets...)
	rs := append(append([]*secp256k1.PrivateKey{}, lockedRs...), changeRs...)
	newProofs, err := w.constructProofs(swapResponse.Signatures, outputs, secrets, rs, &w.activeKeyset)
	if err != nil {
		return nil, err
	}

	lockedProofs := newProofs[:len(lockedSplit)]
	change := newProofs[len(lockedSplit):]
	if err := w.storeProofs(change, nut07.Unspent, ""); err != nil {
		return nil, err
	}

	token, err := cashu.NewTokenV4(lockedProofs, w.mintURL, w.unit, true)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// createBlindedMessages derives one blinded message per amount from
// the keyset counter and advances it.
func (w *Wallet) createBlindedMessages(split []uint64, keysetId string) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	keysetPath, err := nut13.DeriveKeysetPath(w.masterKey, keysetId)
	if err != nil {
		return nil, nil, nil, err
	}
	counter := w.db.GetKeysetCounter(keysetId)

	blindedMessages := make(cashu.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amount := range split {
		secret, err := nut13.DeriveSecret(keysetPath, counter)
		if err != nil {
			return nil, nil, nil, err
		}
		r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
		counter++
	}

	if err := w.db.IncrementKeysetCounter(keysetId, uint32(len(split))); err != nil {
		return nil, nil, nil, fmt.Errorf("error incrementing keyset counter: %v", err)
	}
	return blindedMessages, secrets, rs, nil
}

// constructProofs unblinds the signatures and verifies their DLEQ
// proofs against the keyset keys.
func (w *Wallet) constructProofs(
	blindedSignatures cashu.BlindedSignatures,
	blindedMessages cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {

	sigsLen := len(blindedSignatures)
	if sigsLen != len(secrets) || sigsLen != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, sigsLen)
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, errors.New("signature with invalid amount")
		}

		if blindedSignature.DLEQ != nil {
			if !nut12.VerifyBlindSignatureDLEQ(*blindedSignature.DLEQ, K,
				blindedMessages[i].B_, blindedSignature.C_) {
				return nil, ErrInvalidDLEQ
			}
		}

		C := crypto.UnblindSignature(C_, rs[i], K)

		var dleq *cashu.DLEQProof
		if blindedSignature.DLEQ != nil {
			dleq = &cashu.DLEQProof{
				E: blindedSignature.DLEQ.E,
				S: blindedSignature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}

		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     blindedSignature.Id,
			DLEQ:   dleq,
		}
	}

	return proofs, nil
}

func (w *Wallet) verifyProofsDLEQ(proofs cashu.Proofs) bool {
	keysets := map[string]crypto.WalletKeyset{w.activeKeyset.Id: w.activeKeyset}
	for _, proof := range proofs {
		keyset, ok := keysets[proof.Id]
		if !ok {
			keys, err := GetKeysetById(w.mintURL, proof.Id)
			if err != nil || len(keys.Keysets) == 0 {
				return false
			}
			publicKeys, err := crypto.MapPublicKeys(keys.Keysets[0].Keys)
			if err != nil {
				return false
			}
			keyset = crypto.WalletKeyset{Id: proof.Id, PublicKeys: publicKeys}
			keysets[proof.Id] = keyset
		}
		if !nut12.VerifyProofsDLEQ(cashu.Proofs{proof}, keyset) {
			return false
		}
	}
	return true
}

func (w *Wallet) storeProofs(proofs cashu.Proofs, state nut07.State, meltQuoteId string) error {
	dbProofs := make([]storage.DBProof, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return err
		}
		dbProofs[i] = storage.DBProof{
			Y:           hex.EncodeToString(Y.SerializeCompressed()),
			Amount:      proof.Amount,
			Id:          proof.Id,
			Secret:      proof.Secret,
			C:           proof.C,
			DLEQ:        proof.DLEQ,
			State:       state,
			MeltQuoteId: meltQuoteId,
		}
	}
	return w.db.SaveProofs(dbProofs)
}

func (w *Wallet) markProofsPendingSpent(Ys []string, meltQuoteId string) error {
	if meltQuoteId == "" {
		return w.db.SetProofsState(Ys, nut07.PendingSpent)
	}

	// re-save with the quote id so CheckMeltQuote can find them
	proofs := w.db.GetProofs()
	update := []storage.DBProof{}
	for _, proof := range proofs {
		for _, y := range Ys {
			if proof.Y == y {
				proof.State = nut07.PendingSpent
				proof.MeltQuoteId = meltQuoteId
				update = append(update, proof)
			}
		}
	}
	return w.db.SaveProofs(update)
}

// feesForProofs is the input fee the mint will charge for the proofs.
func (w *Wallet) feesForProofs(proofs cashu.Proofs) uint64 {
	var feePpk uint64
	for _, proof := range proofs {
		if proof.Id == w.activeKeyset.Id {
			feePpk += uint64(w.activeKeyset.InputFeePpk)
		} else if keyset, ok := w.inactiveKeysets[proof.Id]; ok {
			feePpk += uint64(keyset.InputFeePpk)
		}
	}
	return (feePpk + 999) / 1000
}

func proofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}

// blankOutputAmounts returns max(ceil(log2(feeReserve)), 1) outputs of
// amount 1. The mint overrides the amounts when signing change.
func blankOutputAmounts(feeReserve uint64) []uint64 {
	if feeReserve == 0 {
		return nil
	}
	count := bits.Len64(feeReserve - 1)
	if count < 1 {
		count = 1
	}
	amounts := make([]uint64, count)
	for i := range amounts {
		amounts[i] = 1
	}
	return amounts
}
