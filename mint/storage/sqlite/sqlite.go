package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

// InitSQLite opens (creating if needed) the mint database at path and
// runs pending migrations. The connection uses immediate transactions
// so that every BeginTx takes the single writer lock up front.
func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", dbpath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) GetBalance() (uint64, error) {
	var balance int64
	row := s.db.QueryRow("SELECT balance FROM balance")
	if err := row.Scan(&balance); err != nil {
		return 0, err
	}
	if balance < 0 {
		return 0, nil
	}
	return uint64(balance), nil
}

func (s *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)
	_, err := s.db.Exec(`INSERT INTO seed (id, seed) VALUES (?, ?)`, "id", hexSeed)
	return err
}

func (s *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := s.db.QueryRow("SELECT seed FROM seed WHERE id = 'id'")
	if err := row.Scan(&hexSeed); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexSeed)
}

func (s *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := s.db.Exec(`
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx, input_fee_ppk)
		VALUES (?, ?, ?, ?, ?, ?)`,
		keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx, keyset.InputFeePpk)
	return err
}

func (s *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := s.db.Query("SELECT id, unit, active, seed, derivation_path_idx, input_fee_ppk FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.Seed,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (s *SQLiteDB) UpdateKeysetActive(keysetId string, active bool) error {
	result, err := s.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, keysetId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (s *SQLiteDB) BeginTx(ctx context.Context) (storage.MintTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteDB) GetProofs(Ys []string) ([]storage.DBProof, error) {
	return getProofs(s.db, Ys)
}

func (s *SQLiteDB) GetProofsByOperation(operationId string) ([]storage.DBProof, error) {
	rows, err := s.db.Query(proofColumns+" FROM proofs WHERE operation_id = ?", operationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func (s *SQLiteDB) GetProofsByState(state nut07.State) ([]storage.DBProof, error) {
	rows, err := s.db.Query(proofColumns+" FROM proofs WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func (s *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := s.db.Exec(`
		INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)
	return err
}

func (s *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := s.db.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE id = ?",
		quoteId)
	return scanMintQuote(row)
}

func (s *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := s.db.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE payment_hash = ?",
		paymentHash)
	return scanMintQuote(row)
}

func (s *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := s.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage, operation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.OperationId,
	)
	return err
}

func (s *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := s.db.QueryRow(meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (s *SQLiteDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	rows, err := s.db.Query(meltQuoteColumns+" FROM melt_quotes WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func (s *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := s.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)
	return scanBlindSignature(row)
}

func (s *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	if len(B_s) == 0 {
		return signatures, nil
	}

	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` +
		strings.Repeat(",?", len(B_s)-1) + `)`
	rows, err := s.db.Query(query, toAnySlice(B_s)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		signature, err := scanBlindSignature(rows)
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, signature)
	}
	return signatures, rows.Err()
}

func (s *SQLiteDB) GetSagas() ([]storage.SagaRecord, error) {
	rows, err := s.db.Query(
		"SELECT operation_id, quote_id, state, input_ys, change_outputs, created_at FROM sagas")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sagas := []storage.SagaRecord{}
	for rows.Next() {
		var record storage.SagaRecord
		var inputYs string
		var changeOutputs sql.NullString

		err := rows.Scan(
			&record.OperationId,
			&record.QuoteId,
			&record.State,
			&inputYs,
			&changeOutputs,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(inputYs), &record.InputYs); err != nil {
			return nil, err
		}
		if changeOutputs.Valid && changeOutputs.String != "" {
			if err := json.Unmarshal([]byte(changeOutputs.String), &record.ChangeOutputs); err != nil {
				return nil, err
			}
		}
		sagas = append(sagas, record)
	}
	return sagas, rows.Err()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) GetProofs(Ys []string) ([]storage.DBProof, error) {
	return getProofs(t.tx, Ys)
}

func (t *sqliteTx) AddProofs(proofs []storage.DBProof) error {
	stmt, err := t.tx.Prepare(`
		INSERT INTO proofs
		(y, amount, keyset_id, secret, c, witness, state, melt_quote_id, operation_id, operation_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		_, err := stmt.Exec(
			proof.Y,
			proof.Amount,
			proof.Id,
			proof.Secret,
			proof.C,
			proof.Witness,
			proof.State.String(),
			proof.MeltQuoteId,
			proof.OperationId,
			proof.OperationKind,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrProofExists
			}
			return err
		}
	}
	return nil
}

func (t *sqliteTx) SetProofsState(Ys []string, state nut07.State) error {
	if len(Ys) == 0 {
		return nil
	}
	query := `UPDATE proofs SET state = ? WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := append([]any{state.String()}, toAnySlice(Ys)...)

	result, err := t.tx.Exec(query, args...)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != int64(len(Ys)) {
		return fmt.Errorf("expected to update %d proofs but updated %d", len(Ys), count)
	}
	return nil
}

func (t *sqliteTx) RemoveProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}
	query := `DELETE FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	result, err := t.tx.Exec(query, toAnySlice(Ys)...)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != int64(len(Ys)) {
		return fmt.Errorf("expected to remove %d proofs but removed %d", len(Ys), count)
	}
	return nil
}

func (t *sqliteTx) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := t.tx.QueryRow(
		"SELECT id, payment_request, payment_hash, amount, state, expiry FROM mint_quotes WHERE id = ?",
		quoteId)
	return scanMintQuote(row)
}

func (t *sqliteTx) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := t.tx.QueryRow(meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (t *sqliteTx) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	result, err := t.tx.Exec("UPDATE mint_quotes SET state = ? WHERE id = ?", state.String(), quoteId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("mint quote was not updated")
	}
	return nil
}

func (t *sqliteTx) UpdateMeltQuote(quoteId, preimage string, state nut05.State, operationId string) error {
	result, err := t.tx.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ?, operation_id = ? WHERE id = ?",
		state.String(), preimage, operationId, quoteId,
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("melt quote was not updated")
	}
	return nil
}

func (t *sqliteTx) AddBlindSignatures(B_s []string, signatures cashu.BlindedSignatures) error {
	if len(B_s) != len(signatures) {
		return errors.New("mismatched blinded messages and signatures")
	}

	stmt, err := t.tx.Prepare(
		`INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, signature := range signatures {
		var e, s sql.NullString
		if signature.DLEQ != nil {
			e = sql.NullString{String: signature.DLEQ.E, Valid: true}
			s = sql.NullString{String: signature.DLEQ.S, Valid: true}
		}
		_, err := stmt.Exec(B_s[i], signature.C_, signature.Id, signature.Amount, e, s)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrSignatureExists
			}
			return err
		}
	}
	return nil
}

func (t *sqliteTx) ReserveBlindSignatures(messages cashu.BlindedMessages) error {
	stmt, err := t.tx.Prepare(
		`INSERT INTO blind_signatures (b_, keyset_id, amount) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, message := range messages {
		if _, err := stmt.Exec(message.B_, message.Id, message.Amount); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrSignatureExists
			}
			return err
		}
	}
	return nil
}

func (t *sqliteTx) SetBlindSignatures(B_s []string, signatures cashu.BlindedSignatures) error {
	if len(B_s) != len(signatures) {
		return errors.New("mismatched blinded messages and signatures")
	}

	stmt, err := t.tx.Prepare(`
		UPDATE blind_signatures SET c_ = ?, keyset_id = ?, amount = ?, e = ?, s = ?
		WHERE b_ = ? AND c_ IS NULL`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, signature := range signatures {
		var e, s sql.NullString
		if signature.DLEQ != nil {
			e = sql.NullString{String: signature.DLEQ.E, Valid: true}
			s = sql.NullString{String: signature.DLEQ.S, Valid: true}
		}
		result, err := stmt.Exec(signature.C_, signature.Id, signature.Amount, e, s, B_s[i])
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return storage.ErrSignatureExists
		}
	}
	return nil
}

func (t *sqliteTx) RemoveBlindSignatures(B_s []string) error {
	if len(B_s) == 0 {
		return nil
	}
	query := `DELETE FROM blind_signatures WHERE c_ IS NULL AND b_ in (?` +
		strings.Repeat(",?", len(B_s)-1) + `)`
	_, err := t.tx.Exec(query, toAnySlice(B_s)...)
	return err
}

func (t *sqliteTx) SaveSaga(record storage.SagaRecord) error {
	inputYs, err := json.Marshal(record.InputYs)
	if err != nil {
		return err
	}
	var changeOutputs []byte
	if len(record.ChangeOutputs) > 0 {
		changeOutputs, err = json.Marshal(record.ChangeOutputs)
		if err != nil {
			return err
		}
	}

	_, err = t.tx.Exec(`
		INSERT INTO sagas (operation_id, quote_id, state, input_ys, change_outputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.OperationId,
		record.QuoteId,
		record.State,
		string(inputYs),
		string(changeOutputs),
		record.CreatedAt,
	)
	return err
}

func (t *sqliteTx) UpdateSagaState(operationId string, state string) error {
	result, err := t.tx.Exec("UPDATE sagas SET state = ? WHERE operation_id = ?", state, operationId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("saga was not updated")
	}
	return nil
}

func (t *sqliteTx) DeleteSaga(operationId string) error {
	_, err := t.tx.Exec("DELETE FROM sagas WHERE operation_id = ?", operationId)
	return err
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const proofColumns = `SELECT y, amount, keyset_id, secret, c, witness, state,
	melt_quote_id, operation_id, operation_kind`

const meltQuoteColumns = `SELECT id, request, payment_hash, amount, fee_reserve,
	state, expiry, preimage, operation_id`

func getProofs(q querier, Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}
	query := proofColumns + ` FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`

	rows, err := q.Query(query, toAnySlice(Ys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProofs(rows)
}

func scanProofs(rows *sql.Rows) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var witness, meltQuoteId, operationId, operationKind sql.NullString
		var state string

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
			&state,
			&meltQuoteId,
			&operationId,
			&operationKind,
		)
		if err != nil {
			return nil, err
		}
		proof.Witness = witness.String
		proof.State = nut07.StringToState(state)
		proof.MeltQuoteId = meltQuoteId.String
		proof.OperationId = operationId.String
		proof.OperationKind = operationKind.String
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func scanMintQuote(row rowScanner) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)
	return mintQuote, nil
}

func scanMeltQuote(row rowScanner) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var preimage, operationId sql.NullString

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&preimage,
		&operationId,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	meltQuote.Preimage = preimage.String
	meltQuote.OperationId = operationId.String
	return meltQuote, nil
}

func scanBlindSignature(row rowScanner) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	var c_, e, s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&c_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	// a reserved but unsigned row comes back with an empty C_
	signature.C_ = c_.String
	if e.Valid && s.Valid {
		signature.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
	}
	return signature, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func toAnySlice(strs []string) []any {
	args := make([]any, len(strs))
	for i, s := range strs {
		args[i] = s
	}
	return args
}
