package mint

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut10"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/cashu/nuts/nut14"
)

// verifyProofSpendingConditions enforces the lock expressed in the
// proof secret. Plain secrets have no conditions. Proofs flagged
// SIG_ALL are not checked here: their signatures cover the whole
// transaction and are verified by verifySigAll.
func (m *Mint) verifyProofSpendingConditions(proof cashu.Proof) error {
	switch nut10.SecretType(proof) {
	case nut10.P2PK:
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.InvalidProofErr
		}
		if nut11.IsSigAll(secret) {
			return nil
		}
		return verifyP2PKLock(proof, secret)

	case nut10.HTLC:
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.InvalidProofErr
		}
		if nut11.IsSigAll(secret) {
			return nil
		}
		return verifyHTLCLock(proof, secret)
	}
	return nil
}

func verifyP2PKLock(proof cashu.Proof, secret nut10.WellKnownSecret) error {
	tags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}

	hash := sha256.Sum256([]byte(proof.Secret))
	pubkeys, nsigs, err := requiredKeys(secret, tags)
	if err != nil {
		return err
	}
	// lock expired and no refund keys, anyone can spend
	if pubkeys == nil {
		return nil
	}

	witness, err := parseP2PKWitness(proof.Witness)
	if err != nil {
		return err
	}
	if !nut11.HasValidSignatures(hash[:], witness, nsigs, pubkeys) {
		return cashu.SpendConditionsNotMetErr
	}
	return nil
}

func verifyHTLCLock(proof cashu.Proof, secret nut10.WellKnownSecret) error {
	tags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}

	var witness nut14.HTLCWitness
	if proof.Witness == "" {
		return cashu.SignaturesNotProvidedErr
	}
	if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
		return cashu.SpendConditionsNotMetErr
	}

	hash := sha256.Sum256([]byte(proof.Secret))

	// after the locktime the hash lock no longer applies and the
	// refund path takes over
	if locktimeExpired(tags) {
		if len(tags.Refund) == 0 {
			return nil
		}
		p2pkWitness := nut11.P2PKWitness{Signatures: witness.Signatures}
		if !nut11.HasValidSignatures(hash[:], p2pkWitness, 1, tags.Refund) {
			return cashu.SpendConditionsNotMetErr
		}
		return nil
	}

	if err := nut14.VerifyPreimage(secret, witness); err != nil {
		return err
	}

	// optional signature lock on top of the hash lock
	if len(tags.Pubkeys) > 0 {
		nsigs := tags.NSigs
		if nsigs == 0 {
			nsigs = 1
		}
		p2pkWitness := nut11.P2PKWitness{Signatures: witness.Signatures}
		if !nut11.HasValidSignatures(hash[:], p2pkWitness, nsigs, tags.Pubkeys) {
			return cashu.SpendConditionsNotMetErr
		}
	}
	return nil
}

// verifySigAll checks a transaction whose inputs are locked with the
// SIG_ALL flag. Every input must carry the same lock, and the witness
// of the first input must sign the concatenation of every input secret
// and every output blinded message.
func verifySigAll(inputs cashu.Proofs, outputs cashu.BlindedMessages) error {
	firstSecret, err := nut10.DeserializeSecret(inputs[0].Secret)
	if err != nil {
		return cashu.InvalidProofErr
	}
	firstKind := nut10.SecretType(inputs[0])
	tags, err := nut11.ParseP2PKTags(firstSecret.Tags)
	if err != nil {
		return err
	}

	for _, proof := range inputs[1:] {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.InvalidProofErr
		}
		if !nut11.IsSigAll(secret) {
			return nut11.AllSigAllFlagsErr
		}
		if nut10.SecretType(proof) != firstKind || secret.Data != firstSecret.Data {
			return nut11.SigAllKeysMustBeEqualErr
		}
	}

	// hash lock still applies under SIG_ALL
	if firstKind == nut10.HTLC && !locktimeExpired(tags) {
		var htlcWitness nut14.HTLCWitness
		if inputs[0].Witness == "" {
			return cashu.SignaturesNotProvidedErr
		}
		if err := json.Unmarshal([]byte(inputs[0].Witness), &htlcWitness); err != nil {
			return cashu.SpendConditionsNotMetErr
		}
		if err := nut14.VerifyPreimage(firstSecret, htlcWitness); err != nil {
			return err
		}
	}

	pubkeys, nsigs, err := requiredKeys(firstSecret, tags)
	if err != nil {
		return err
	}
	if pubkeys == nil {
		return nil
	}

	msg := ""
	for _, proof := range inputs {
		msg += proof.Secret
	}
	for _, output := range outputs {
		msg += output.B_
	}
	hash := sha256.Sum256([]byte(msg))

	witness, err := parseP2PKWitness(inputs[0].Witness)
	if err != nil {
		return err
	}
	if !nut11.HasValidSignatures(hash[:], witness, nsigs, pubkeys) {
		return cashu.SpendConditionsNotMetErr
	}
	return nil
}

// requiredKeys resolves which keys may sign right now and how many
// signatures are needed. A nil key set means the lock has expired with
// no refund condition and anyone can spend.
func requiredKeys(secret nut10.WellKnownSecret, tags *nut11.P2PKTags) ([]*btcec.PublicKey, int, error) {
	if locktimeExpired(tags) {
		if len(tags.Refund) == 0 {
			return nil, 0, nil
		}
		// one valid refund signature is enough
		return tags.Refund, 1, nil
	}

	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return nil, 0, err
	}
	nsigs := tags.NSigs
	if nsigs == 0 {
		nsigs = 1
	}
	return pubkeys, nsigs, nil
}

func locktimeExpired(tags *nut11.P2PKTags) bool {
	return tags.Locktime > 0 && time.Now().Unix() >= tags.Locktime
}

func parseP2PKWitness(witness string) (nut11.P2PKWitness, error) {
	if witness == "" {
		return nut11.P2PKWitness{}, cashu.SignaturesNotProvidedErr
	}
	var p2pkWitness nut11.P2PKWitness
	if err := json.Unmarshal([]byte(witness), &p2pkWitness); err != nil {
		return nut11.P2PKWitness{}, cashu.SpendConditionsNotMetErr
	}
	return p2pkWitness, nil
}
