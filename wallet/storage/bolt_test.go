package storage

import (
	"bytes"
	"log"
	"math/rand"
	"os"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	db *BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testdbbolt"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	db, err = InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestMnemonicSeed(t *testing.T) {
	mnemonic := "half depart obvious quality work element tank gorilla view sugar picture humble"
	seed := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		t.Fatalf("error saving mnemonic and seed: %v", err)
	}

	if storedMnemonic := db.GetMnemonic(); storedMnemonic != mnemonic {
		t.Fatalf("expected mnemonic '%v' but got '%v'", mnemonic, storedMnemonic)
	}
	if storedSeed := db.GetSeed(); !bytes.Equal(storedSeed, seed) {
		t.Fatalf("expected seed '%v' but got '%v'", seed, storedSeed)
	}
}

func TestProofs(t *testing.T) {
	numProofs := 50
	randomProofs := generateRandomProofs(numProofs, nut07.Unspent, "")

	if err := db.SaveProofs(randomProofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	proofs := db.GetProofs()
	if len(proofs) != numProofs {
		t.Fatalf("expected '%v' proofs from db but got '%v'", numProofs, len(proofs))
	}

	sortDBProofs(randomProofs)
	sortDBProofs(proofs)
	if !reflect.DeepEqual(randomProofs, proofs) {
		t.Fatal("proofs from db do not match randomly generated ones saved to db")
	}

	// delete proofs from db and check correct response
	numToDelete := 3
	YsToDelete := make([]string, numToDelete)
	for i := 0; i < numToDelete; i++ {
		YsToDelete[i] = randomProofs[i].Y
	}
	if err := db.DeleteProofs(YsToDelete); err != nil {
		t.Fatalf("error deleting proofs: %v", err)
	}

	proofs = db.GetProofs()
	expectedNumProofs := numProofs - numToDelete
	if len(proofs) != expectedNumProofs {
		t.Fatalf("expected '%v' proofs from db but got '%v'", expectedNumProofs, len(proofs))
	}

	remainingYs := make([]string, len(proofs))
	for i, proof := range proofs {
		remainingYs[i] = proof.Y
	}
	if err := db.DeleteProofs(remainingYs); err != nil {
		t.Fatalf("error deleting proofs: %v", err)
	}
	if proofs = db.GetProofs(); len(proofs) != 0 {
		t.Fatalf("expected 0 proofs from db but got '%v'", len(proofs))
	}
}

func TestProofStates(t *testing.T) {
	numUnspent := 30
	unspentProofs := generateRandomProofs(numUnspent, nut07.Unspent, "")
	if err := db.SaveProofs(unspentProofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	quoteId := "quoteId12345"
	numPending := 25
	pendingProofs := generateRandomProofs(numPending, nut07.PendingSpent, quoteId)
	if err := db.SaveProofs(pendingProofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	unspentFromDb := db.GetProofsByState(nut07.Unspent)
	if len(unspentFromDb) != numUnspent {
		t.Fatalf("expected '%v' unspent proofs from db but got '%v'", numUnspent, len(unspentFromDb))
	}

	pendingFromDb := db.GetProofsByState(nut07.PendingSpent)
	if len(pendingFromDb) != numPending {
		t.Fatalf("expected '%v' pending proofs from db but got '%v'", numPending, len(pendingFromDb))
	}

	sortDBProofs(pendingProofs)
	sortDBProofs(pendingFromDb)
	if !reflect.DeepEqual(pendingProofs, pendingFromDb) {
		t.Fatal("pending proofs from db do not match randomly generated ones saved to db")
	}

	// move pending proofs back to unspent. the melt quote id of each
	// proof should be cleared on the transition
	pendingYs := make([]string, numPending)
	for i, proof := range pendingFromDb {
		pendingYs[i] = proof.Y
	}
	if err := db.SetProofsState(pendingYs, nut07.Unspent); err != nil {
		t.Fatalf("error setting proofs state: %v", err)
	}

	if pendingFromDb = db.GetProofsByState(nut07.PendingSpent); len(pendingFromDb) != 0 {
		t.Fatalf("expected 0 pending proofs from db but got '%v'", len(pendingFromDb))
	}
	unspentFromDb = db.GetProofsByState(nut07.Unspent)
	if len(unspentFromDb) != numUnspent+numPending {
		t.Fatalf("expected '%v' unspent proofs from db but got '%v'",
			numUnspent+numPending, len(unspentFromDb))
	}
	for _, proof := range unspentFromDb {
		if proof.MeltQuoteId != "" {
			t.Fatalf("expected empty melt quote id on unspent proof but got '%v'", proof.MeltQuoteId)
		}
	}

	// setting state on an unknown proof should return an error
	if err := db.SetProofsState([]string{"unknownY"}, nut07.Unspent); err == nil {
		t.Fatal("expected error setting state of unknown proof but got nil")
	}

	allYs := make([]string, 0, numUnspent+numPending)
	for _, proof := range db.GetProofs() {
		allYs = append(allYs, proof.Y)
	}
	if err := db.DeleteProofs(allYs); err != nil {
		t.Fatalf("error deleting proofs: %v", err)
	}
}

func TestKeysets(t *testing.T) {
	mintURL1 := "http://localhost:3338"
	keyset1 := generateKeyset("keysetId1", mintURL1, 0)
	if err := db.SaveKeyset(&keyset1); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keyset2 := generateKeyset("keysetId2", mintURL1, 100)
	if err := db.SaveKeyset(&keyset2); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	mintURL2 := "http://localhost:3339"
	keyset3 := generateKeyset("keysetId3", mintURL2, 0)
	if err := db.SaveKeyset(&keyset3); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}

	keysets := db.GetKeysets()
	if len(keysets) != 2 {
		t.Fatalf("expected keysets for 2 mints but got '%v'", len(keysets))
	}
	if len(keysets[mintURL1]) != 2 {
		t.Fatalf("expected 2 keysets for mint '%v' but got '%v'", mintURL1, len(keysets[mintURL1]))
	}
	if len(keysets[mintURL2]) != 1 {
		t.Fatalf("expected 1 keyset for mint '%v' but got '%v'", mintURL2, len(keysets[mintURL2]))
	}

	keysetById := db.GetKeyset(keyset2.Id)
	if keysetById == nil {
		t.Fatal("expected valid keyset but got nil")
	}
	if !reflect.DeepEqual(keyset2, *keysetById) {
		t.Fatal("keyset from db does not match generated one")
	}

	if counter := db.GetKeysetCounter(keyset1.Id); counter != 0 {
		t.Fatalf("expected counter 0 but got '%v'", counter)
	}
	if err := db.IncrementKeysetCounter(keyset1.Id, 5); err != nil {
		t.Fatalf("error incrementing keyset counter: %v", err)
	}
	if err := db.IncrementKeysetCounter(keyset1.Id, 2); err != nil {
		t.Fatalf("error incrementing keyset counter: %v", err)
	}
	if counter := db.GetKeysetCounter(keyset1.Id); counter != 7 {
		t.Fatalf("expected counter 7 but got '%v'", counter)
	}

	// counter of other keysets should be untouched
	if counter := db.GetKeysetCounter(keyset2.Id); counter != 0 {
		t.Fatalf("expected counter 0 but got '%v'", counter)
	}

	if err := db.IncrementKeysetCounter("unknownKeysetId", 1); err == nil {
		t.Fatal("expected error incrementing counter of unknown keyset but got nil")
	}
	if counter := db.GetKeysetCounter("unknownKeysetId"); counter != 0 {
		t.Fatalf("expected counter 0 for unknown keyset but got '%v'", counter)
	}
}

func TestMintQuotes(t *testing.T) {
	quoteId := "quoteId1"
	mintQuote := generateMintQuote(quoteId)
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	mintQuotes := generateRandomMintQuotes(50)
	for _, quote := range mintQuotes {
		if err := db.SaveMintQuote(quote); err != nil {
			t.Fatalf("error saving mint quote: %v", err)
		}
	}

	quotesFromDb := db.GetMintQuotes()
	expectedNumQuotes := 51
	if len(quotesFromDb) != expectedNumQuotes {
		t.Fatalf("expected '%v' mint quotes but got '%v' ", expectedNumQuotes, len(quotesFromDb))
	}

	idx := slices.IndexFunc(quotesFromDb, func(q MintQuote) bool {
		return q.QuoteId == quoteId
	})
	if idx == -1 {
		t.Fatalf("expected mint quote '%v' in db but it was not found", quoteId)
	}
	if !reflect.DeepEqual(mintQuote, quotesFromDb[idx]) {
		t.Fatal("mint quote from db does not match generated one")
	}

	// saving a quote with the same id should overwrite the previous one
	mintQuote.State = nut04.Issued
	if err := db.SaveMintQuote(mintQuote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}
	quotesFromDb = db.GetMintQuotes()
	if len(quotesFromDb) != expectedNumQuotes {
		t.Fatalf("expected '%v' mint quotes but got '%v' ", expectedNumQuotes, len(quotesFromDb))
	}
	idx = slices.IndexFunc(quotesFromDb, func(q MintQuote) bool {
		return q.QuoteId == quoteId
	})
	if quotesFromDb[idx].State != nut04.Issued {
		t.Fatalf("expected mint quote state '%v' but got '%v'", nut04.Issued, quotesFromDb[idx].State)
	}
}

func TestMeltQuotes(t *testing.T) {
	quoteId := "quoteId1"
	quote := generateMeltQuote(quoteId)
	if err := db.SaveMeltQuote(quote); err != nil {
		t.Fatalf("error saving melt quote: %v", err)
	}

	quotes := generateRandomMeltQuotes(50)
	for _, quote := range quotes {
		if err := db.SaveMeltQuote(quote); err != nil {
			t.Fatalf("error saving melt quote: %v", err)
		}
	}

	quotesFromDb := db.GetMeltQuotes()
	expectedNumQuotes := 51
	if len(quotesFromDb) != expectedNumQuotes {
		t.Fatalf("expected '%v' melt quotes but got '%v' ", expectedNumQuotes, len(quotesFromDb))
	}

	idx := slices.IndexFunc(quotesFromDb, func(q MeltQuote) bool {
		return q.QuoteId == quoteId
	})
	if idx == -1 {
		t.Fatalf("expected melt quote '%v' in db but it was not found", quoteId)
	}
	if !reflect.DeepEqual(quote, quotesFromDb[idx]) {
		t.Fatal("melt quote from db does not match generated one")
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func generateRandomProofs(num int, state nut07.State, meltQuoteId string) []DBProof {
	proofs := make([]DBProof, num)

	for i := 0; i < num; i++ {
		proof := DBProof{
			Y:           generateRandomString(66),
			Amount:      21,
			Id:          "keysetId12345",
			Secret:      generateRandomString(64),
			C:           generateRandomString(64),
			State:       state,
			MeltQuoteId: meltQuoteId,
		}
		proofs[i] = proof
	}

	return proofs
}

func sortDBProofs(proofs []DBProof) {
	slices.SortFunc(proofs, func(a, b DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func generateKeyset(id, mintURL string, inputFeePpk uint) crypto.WalletKeyset {
	key, _ := secp256k1.GeneratePrivateKey()
	return crypto.WalletKeyset{
		Id:      id,
		MintURL: mintURL,
		Unit:    "sat",
		Active:  true,
		PublicKeys: map[uint64]*secp256k1.PublicKey{
			1: key.PubKey(),
		},
		InputFeePpk: inputFeePpk,
	}
}

func generateMintQuote(id string) MintQuote {
	return MintQuote{
		QuoteId:        id,
		Mint:           "http://localhost:3338",
		Amount:         21,
		PaymentRequest: "lnbcrt210n1invoice",
		State:          nut04.Unpaid,
		Expiry:         1700000000,
	}
}

func generateRandomMintQuotes(num int) []MintQuote {
	quotes := make([]MintQuote, num)
	for i := 0; i < num; i++ {
		id := generateRandomString(32)
		quote := generateMintQuote(id)
		quotes[i] = quote
	}
	return quotes
}

func generateMeltQuote(id string) MeltQuote {
	return MeltQuote{
		QuoteId:        id,
		Mint:           "http://localhost:3338",
		Amount:         21,
		FeeReserve:     1,
		PaymentRequest: "lnbcrt210n1invoice",
		State:          nut05.Unpaid,
		Expiry:         1700000000,
	}
}

func generateRandomMeltQuotes(num int) []MeltQuote {
	quotes := make([]MeltQuote, num)
	for i := 0; i < num; i++ {
		id := generateRandomString(32)
		quote := generateMeltQuote(id)
		quotes[i] = quote
	}
	return quotes
}
