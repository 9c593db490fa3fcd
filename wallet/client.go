package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut01"
	"github.com/cashmill/cashmill/cashu/nuts/nut02"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut06"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut09"
)

func GetMintInfo(mintURL string) (*nut06.MintInfo, error) {
	resp, err := get(mintURL + "/v1/info")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mintInfo nut06.MintInfo
	if err := decodeResponse(resp, &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func GetActiveKeysets(mintURL string) (*nut01.GetKeysResponse, error) {
	resp, err := get(mintURL + "/v1/keys")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var keysetRes nut01.GetKeysResponse
	if err := decodeResponse(resp, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func GetAllKeysets(mintURL string) (*nut02.GetKeysetsResponse, error) {
	resp, err := get(mintURL + "/v1/keysets")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var keysetsRes nut02.GetKeysetsResponse
	if err := decodeResponse(resp, &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func GetKeysetById(mintURL, id string) (*nut01.GetKeysResponse, error) {
	resp, err := get(mintURL + "/v1/keys/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var keysetRes nut01.GetKeysResponse
	if err := decodeResponse(resp, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func PostMintQuoteBolt11(mintURL string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	resp, err := httpPost(mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := decodeResponse(resp, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func GetMintQuoteState(mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	resp, err := get(mintURL + "/v1/mint/quote/bolt11/" + quoteId)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := decodeResponse(resp, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func PostMintBolt11(mintURL string, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	resp, err := httpPost(mintURL+"/v1/mint/bolt11", mintRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mintResponse nut04.PostMintBolt11Response
	if err := decodeResponse(resp, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func PostSwap(mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	resp, err := httpPost(mintURL+"/v1/swap", swapRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var swapResponse nut03.PostSwapResponse
	if err := decodeResponse(resp, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func PostMeltQuoteBolt11(mintURL string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	resp, err := httpPost(mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := decodeResponse(resp, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func GetMeltQuoteState(mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	resp, err := get(mintURL + "/v1/melt/quote/bolt11/" + quoteId)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := decodeResponse(resp, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func PostMeltBolt11(mintURL string, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	resp, err := httpPost(mintURL+"/v1/melt/bolt11", meltRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := decodeResponse(resp, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func PostCheckProofState(mintURL string, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	resp, err := httpPost(mintURL+"/v1/checkstate", stateRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stateResponse nut07.PostCheckStateResponse
	if err := decodeResponse(resp, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func PostRestore(mintURL string, restoreRequest nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	resp, err := httpPost(mintURL+"/v1/restore", restoreRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var restoreResponse nut09.PostRestoreResponse
	if err := decodeResponse(resp, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func get(url string) (*http.Response, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	return parse(resp)
}

func httpPost(url string, request any) (*http.Response, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, err
	}
	return parse(resp)
}

func decodeResponse(resp *http.Response, dst any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

// parse surfaces mint protocol errors as cashu.Error values.
func parse(response *http.Response) (*http.Response, error) {
	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(response.Body).Decode(&errResponse); err != nil {
			return nil, fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return nil, errResponse
	}

	if response.StatusCode != http.StatusOK {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", body)
	}

	return response, nil
}
