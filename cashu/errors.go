package cashu

import "fmt"

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Error codes are stable integers. They are part of the wire protocol
// and must never be renumbered.
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode         CashuErrCode = 11001
	TransactionUnbalancedErrCode    CashuErrCode = 11002
	InsufficientProofAmountErrCode  CashuErrCode = 11003
	UnitErrCode                     CashuErrCode = 11005
	AmountLimitExceededErrCode      CashuErrCode = 11006
	PaymentMethodErrCode            CashuErrCode = 11007
	DuplicateInputsErrCode          CashuErrCode = 11008
	DuplicateOutputsErrCode         CashuErrCode = 11009
	ProofPendingErrCode             CashuErrCode = 11010
	EmptyInputsErrCode              CashuErrCode = 11011
	BatchSizeExceededErrCode        CashuErrCode = 11012
	SignatureCountMismatchErrCode   CashuErrCode = 11013

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	QuoteExpiredErrCode            CashuErrCode = 20007
	MeltQuoteErrCode               CashuErrCode = 20009

	WitnessMissingErrCode CashuErrCode = 30001
	WitnessInvalidErrCode CashuErrCode = 30002
)

// codeSymbols maps every wire error code to its symbolic alias.
var codeSymbols = map[CashuErrCode]string{
	StandardErrCode:                    "STANDARD",
	BlindedMessageAlreadySignedErrCode: "DUPLICATE_SIGNATURE",
	InvalidProofErrCode:                "INVALID_PROOF",
	ProofAlreadyUsedErrCode:            "TOKEN_ALREADY_SPENT",
	TransactionUnbalancedErrCode:       "TRANSACTION_UNBALANCED",
	InsufficientProofAmountErrCode:     "INSUFFICIENT_INPUTS",
	UnitErrCode:                        "UNIT_NOT_SUPPORTED",
	AmountLimitExceededErrCode:         "AMOUNT_LIMIT_EXCEEDED",
	PaymentMethodErrCode:               "METHOD_NOT_SUPPORTED",
	DuplicateInputsErrCode:             "DUPLICATE_INPUTS",
	DuplicateOutputsErrCode:            "DUPLICATE_OUTPUTS",
	ProofPendingErrCode:                "TOKEN_PENDING",
	EmptyInputsErrCode:                 "EMPTY_INPUTS",
	BatchSizeExceededErrCode:           "BATCH_SIZE_EXCEEDED",
	SignatureCountMismatchErrCode:      "SIGNATURE_COUNT_MISMATCH",
	UnknownKeysetErrCode:               "UNKNOWN_KEYSET",
	InactiveKeysetErrCode:              "INACTIVE_KEYSET",
	MintQuoteRequestNotPaidErrCode:     "QUOTE_NOT_PAID",
	MintQuoteAlreadyIssuedErrCode:      "QUOTE_ALREADY_ISSUED",
	MintingDisabledErrCode:             "MINTING_DISABLED",
	MeltQuotePendingErrCode:            "QUOTE_PENDING",
	MeltQuoteAlreadyPaidErrCode:        "QUOTE_ALREADY_PAID",
	QuoteExpiredErrCode:                "QUOTE_EXPIRED",
	MeltQuoteErrCode:                   "QUOTE_ERROR",
	WitnessMissingErrCode:              "WITNESS_MISSING",
	WitnessInvalidErrCode:              "WITNESS_INVALID",
}

var symbolCodes = func() map[string]CashuErrCode {
	m := make(map[string]CashuErrCode, len(codeSymbols))
	for code, symbol := range codeSymbols {
		m[symbol] = code
	}
	return m
}()

// Symbol returns the symbolic alias for the code, or "UNKNOWN"
// if the code is not part of the wire vocabulary.
func (c CashuErrCode) Symbol() string {
	if symbol, ok := codeSymbols[c]; ok {
		return symbol
	}
	return "UNKNOWN"
}

// CodeForSymbol is the inverse of Symbol.
func CodeForSymbol(symbol string) (CashuErrCode, bool) {
	code, ok := symbolCodes[symbol]
	return code, ok
}

var (
	StandardErr                  = Error{Detail: "unable to process request", Code: StandardErrCode}
	EmptyBodyErr                 = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	UnknownKeysetErr             = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidBlindedMessageAmount  = Error{Detail: "invalid amount in blinded message", Code: StandardErrCode}
	BlindedMessageAlreadySigned  = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	MintQuoteRequestNotPaid      = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued       = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintingDisabled              = Error{Detail: "minting is disabled", Code: MintingDisabledErrCode}
	MintAmountExceededErr        = Error{Detail: "max amount for minting exceeded", Code: AmountLimitExceededErrCode}
	MeltAmountExceededErr        = Error{Detail: "max amount for melting exceeded", Code: AmountLimitExceededErrCode}
	OutputsOverQuoteAmountErr    = Error{Detail: "sum of the output amounts is greater than quote amount", Code: StandardErrCode}
	ProofAlreadyUsedErr          = Error{Detail: "token already spent", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr              = Error{Detail: "token is pending in another operation", Code: ProofPendingErrCode}
	InvalidProofErr              = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided             = Error{Detail: "no proofs provided", Code: EmptyInputsErrCode}
	NoOutputsProvided            = Error{Detail: "no outputs provided", Code: EmptyInputsErrCode}
	DuplicateProofs              = Error{Detail: "duplicate inputs provided", Code: DuplicateInputsErrCode}
	DuplicateOutputs             = Error{Detail: "duplicate outputs provided", Code: DuplicateOutputsErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePendingErr              = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	QuoteExpiredErr              = Error{Detail: "quote is expired", Code: QuoteExpiredErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	MeltQuoteForRequestExists    = Error{Detail: "melt quote for payment request already exists", Code: MeltQuoteErrCode}
	InsufficientProofsAmount     = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
	InactiveKeysetSignatureRequest = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
	SignaturesNotProvidedErr       = Error{Detail: "witness with signatures not provided", Code: WitnessMissingErrCode}
	SpendConditionsNotMetErr       = Error{Detail: "spending conditions not met", Code: WitnessInvalidErrCode}
	PaymentFailedErr               = Error{Detail: "payment failed", Code: MeltQuoteErrCode}
)

// BuildUnbalancedErr reports the observed totals of an unbalanced transaction.
func BuildUnbalancedErr(inputs, outputs, fee uint64) *Error {
	detail := fmt.Sprintf(
		"inputs, outputs and fees do not balance: inputs %d, outputs %d, fee %d",
		inputs, outputs, fee,
	)
	return &Error{Detail: detail, Code: TransactionUnbalancedErrCode}
}
