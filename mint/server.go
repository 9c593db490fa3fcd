package mint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut01"
	"github.com/cashmill/cashmill/cashu/nuts/nut02"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut06"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut09"
	"github.com/cashmill/cashmill/mint/storage"
	"github.com/gorilla/mux"
)

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

func SetupMintServer(m *Mint, port string) (*MintServer, error) {
	if port == "" {
		port = "3338"
	}

	mintServer := &MintServer{
		mint:   m,
		logger: m.logger,
	}
	mintServer.setupHttpServer(port)
	return mintServer, nil
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MintServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := ms.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	ms.mint.db.Close()
	return nil
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeys).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/bolt11", ms.mintQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/bolt11", ms.mintTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/bolt11", ms.meltQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/bolt11", ms.meltTokens).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", ms.checkProofStates).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/restore", ms.restoreSignatures).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", ms.mint.metrics.Handler()).Methods(http.MethodGet)

	r.Use(setupHeaders)

	ms.httpServer = &http.Server{
		Addr:    net.JoinHostPort("0.0.0.0", port),
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

// writeErr writes cashu protocol errors with a 400 status. Internal
// errors are logged and masked with a generic response.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	var cashuErr *cashu.Error
	var cashuErrVal cashu.Error
	switch {
	case errors.As(err, &cashuErr):
	case errors.As(err, &cashuErrVal):
		cashuErr = &cashuErrVal
	default:
		ms.logger.Error("internal error",
			slog.String("path", req.URL.Path), slog.String("error", err.Error()))
		cashuErr = &cashu.StandardErr
	}

	// never leak internal error codes on the wire
	if cashuErr.Code == cashu.DBErrCode || cashuErr.Code == cashu.LightningBackendErrCode {
		ms.logger.Error("internal error",
			slog.String("path", req.URL.Path), slog.String("error", cashuErr.Detail))
		cashuErr = &cashu.StandardErr
	}

	rw.WriteHeader(http.StatusBadRequest)
	response, _ := json.Marshal(cashuErr)
	rw.Write(response)
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response []byte, logmsg string) {
	ms.logger.Info(logmsg,
		slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())))
	rw.WriteHeader(http.StatusOK)
	rw.Write(response)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	if req.Body == nil {
		return cashu.EmptyBodyErr
	}
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	return nil
}

func (ms *MintServer) getActiveKeys(rw http.ResponseWriter, req *http.Request) {
	activeKeyset := ms.mint.activeKeyset
	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: activeKeyset.Id, Unit: activeKeyset.Unit, Keys: activeKeyset.PublicKeys()},
	}}

	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning active keyset")
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	keysets := make([]nut02.Keyset, 0, len(ms.mint.keysets))
	for _, keyset := range ms.mint.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}

	jsonRes, err := json.Marshal(nut02.GetKeysetsResponse{Keysets: keysets})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning keysets")
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	keyset, ok := ms.mint.keysets[id]
	if !ok {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()},
	}}
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning keyset "+id)
}

func (ms *MintServer) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var mintQuoteRequest nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintQuoteRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	if mintQuoteRequest.Unit != SatUnit {
		ms.writeErr(rw, req, cashu.UnitNotSupportedErr)
		return
	}

	mintQuote, err := ms.mint.RequestMintQuote(mintQuoteRequest.Amount)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "created mint quote "+mintQuote.Id)
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quoteId := vars["quote_id"]

	mintQuote, err := ms.mint.GetMintQuoteState(quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := nut04.PostMintQuoteBolt11Response{
		Quote:   mintQuote.Id,
		Request: mintQuote.PaymentRequest,
		State:   mintQuote.State,
		Expiry:  mintQuote.Expiry,
	}
	jsonRes, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning mint quote state")
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	var mintReq nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.MintTokens(mintReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut04.PostMintBolt11Response{Signatures: blindedSignatures})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning signatures on mint tokens request")
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	blindedSignatures, err := ms.mint.Swap(swapReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut03.PostSwapResponse{Signatures: blindedSignatures})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning signatures on swap request")
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	var meltQuoteRequest nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltQuoteRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	if meltQuoteRequest.Unit != SatUnit {
		ms.writeErr(rw, req, cashu.UnitNotSupportedErr)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(meltQuoteRequest)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltQuoteResponse(meltQuote, nil))
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "created melt quote "+meltQuote.Id)
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quoteId := vars["quote_id"]

	meltQuote, err := ms.mint.GetMeltQuoteState(req.Context(), quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltQuoteResponse(meltQuote, nil))
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning melt quote state")
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	var meltReq nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, change, err := ms.mint.MeltTokens(req.Context(), meltReq)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltQuoteResponse(meltQuote, change))
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "processed melt for quote "+meltQuote.Id)
}

func (ms *MintServer) checkProofStates(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	proofStates, err := ms.mint.ProofStates(stateRequest.Ys)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut07.PostCheckStateResponse{States: proofStates})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning proof states")
}

func (ms *MintServer) restoreSignatures(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := decodeJsonReqBody(req, &restoreRequest); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreRequest.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning restored signatures")
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	info, err := ms.mint.MintInfo()
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	jsonRes, err := info.Marshal()
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, jsonRes, "returning mint info")
}

func meltQuoteResponse(meltQuote storage.MeltQuote, change cashu.BlindedSignatures) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      meltQuote.Id,
		Amount:     meltQuote.Amount,
		FeeReserve: meltQuote.FeeReserve,
		State:      meltQuote.State,
		Expiry:     meltQuote.Expiry,
		Preimage:   meltQuote.Preimage,
		Change:     change,
	}
}

// MintInfo assembles the public information document.
func (m *Mint) MintInfo() (nut06.MintInfo, error) {
	bolt11Setting := []nut06.MethodSetting{
		{
			Method:    BoltMethod,
			Unit:      SatUnit,
			MinAmount: m.limits.MintingSettings.MinAmount,
			MaxAmount: m.limits.MintingSettings.MaxAmount,
		},
	}
	bolt11MeltSetting := []nut06.MethodSetting{
		{
			Method:    BoltMethod,
			Unit:      SatUnit,
			MinAmount: m.limits.MeltingSettings.MinAmount,
			MaxAmount: m.limits.MeltingSettings.MaxAmount,
		},
	}

	mintingDisabled := false
	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			return nut06.MintInfo{}, err
		}
		if balance >= m.limits.MaxBalance {
			mintingDisabled = true
		}
	}

	return nut06.MintInfo{
		Name:            m.mintInfo.Name,
		Pubkey:          m.activeKeyset.IdentityKey(),
		Version:         "cashmill/0.4.0",
		Description:     m.mintInfo.Description,
		LongDescription: m.mintInfo.LongDescription,
		Contact:         m.mintInfo.Contact,
		Motd:            m.mintInfo.Motd,
		IconURL:         m.mintInfo.IconURL,
		URLs:            m.mintInfo.URLs,
		Time:            time.Now().Unix(),
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: bolt11Setting, Disabled: mintingDisabled},
			Nut05: nut06.NutSetting{Methods: bolt11MeltSetting, Disabled: false},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut10: nut06.Supported{Supported: true},
			Nut11: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
			Nut14: nut06.Supported{Supported: true},
		},
	}, nil
}
