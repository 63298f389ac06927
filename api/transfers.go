package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aionpay/relayer/eventbus"
	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/types"
)

const addressHistoryLimit = 50

var (
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hexRegex     = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
)

// submitRequest is the JSON body of the submission endpoints.
type submitRequest struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	Nonce           string `json:"nonce"`
	Deadline        int64  `json:"deadline"`
	Signature       string `json:"signature"`
	ContractAddress string `json:"contractAddress"`
	TokenAddress    string `json:"tokenAddress,omitempty"`
}

// shapeErrors validates the request's field shapes before any cryptography
// or oracle work.
func (req *submitRequest) shapeErrors() []string {
	var errs []string
	if !addressRegex.MatchString(req.From) {
		errs = append(errs, "Invalid from address")
	}
	if !addressRegex.MatchString(req.To) {
		errs = append(errs, "Invalid to address")
	}
	if !addressRegex.MatchString(req.ContractAddress) {
		errs = append(errs, "Invalid contract address")
	}
	if req.TokenAddress != "" && !addressRegex.MatchString(req.TokenAddress) {
		errs = append(errs, "Invalid token address")
	}
	if !hexRegex.MatchString(req.Nonce) {
		errs = append(errs, "Invalid nonce")
	}
	if !hexRegex.MatchString(req.Signature) {
		errs = append(errs, "Invalid signature format")
	}
	if amt, err := strconv.ParseFloat(req.Amount, 64); err != nil || amt <= 0 {
		errs = append(errs, "Invalid amount")
	}
	if req.Deadline <= 0 {
		errs = append(errs, "Invalid deadline")
	}
	return errs
}

// transfer builds the SignedTransfer from an already shape-checked request.
func (req *submitRequest) transfer() (*types.SignedTransfer, error) {
	nonce, err := types.HexStringToHexBytes(req.Nonce)
	if err != nil {
		return nil, err
	}
	signature, err := types.HexStringToHexBytes(req.Signature)
	if err != nil {
		return nil, err
	}
	return &types.SignedTransfer{
		Nonce:           nonce,
		From:            req.From,
		To:              req.To,
		Amount:          req.Amount,
		Deadline:        req.Deadline,
		Signature:       signature,
		ContractAddress: req.ContractAddress,
		TokenAddress:    req.TokenAddress,
	}, nil
}

// submissionRejected writes the 400 body listing what failed.
func submissionRejected(w http.ResponseWriter, errs []string) {
	httpWriteJSONWithStatus(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"errors":  errs,
	})
}

// submitTransfer ingests a signed transfer: shape check, full validation,
// durable insert as received, flip to validated and queue wake-up.
func (a *API) submitTransfer(w http.ResponseWriter, r *http.Request) {
	if a.storage == nil {
		ErrStorageUnavailable.Write(w)
		return
	}
	req := &submitRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if errs := req.shapeErrors(); len(errs) > 0 {
		submissionRejected(w, errs)
		return
	}
	t, err := req.transfer()
	if err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}

	verdict := a.validator.Validate(r.Context(), t, 0)
	if !verdict.Valid() {
		submissionRejected(w, verdict.Errors)
		return
	}

	id, err := a.storage.InsertReceived(t)
	if err != nil {
		if errors.Is(err, store.ErrNonceAlreadyExists) {
			submissionRejected(w, []string{"Nonce already used"})
			return
		}
		log.Errorw(err, "failed to persist transfer")
		ErrGenericInternalServerError.Write(w)
		return
	}
	accepted, err := a.storage.UpdateStatus(id, types.TransferStatusValidated, nil)
	if err != nil {
		log.Errorw(err, "failed to mark transfer validated")
		ErrGenericInternalServerError.Write(w)
		return
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.TopicAccepted, accepted)
		a.bus.Publish(eventbus.TransferTopic(id), accepted)
	}
	if a.queue != nil {
		a.queue.Wake()
	}

	log.Infow("transfer accepted", "transfer", id, "from", t.From, "to", t.To, "amount", t.Amount)
	httpWriteJSONWithStatus(w, http.StatusCreated, map[string]any{
		"success":    true,
		"transferId": id,
		"message":    "Transfer accepted",
	})
}

// transferStatus returns one transfer row together with its chronological
// event log.
func (a *API) transferStatus(w http.ResponseWriter, r *http.Request) {
	if a.storage == nil {
		ErrStorageUnavailable.Write(w)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, TransferIDURLParam), 10, 64)
	if err != nil || id <= 0 {
		ErrMalformedTransferID.Write(w)
		return
	}
	t, err := a.storage.Transfer(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrTransferNotFound.Write(w)
			return
		}
		log.Errorw(err, "failed to load transfer")
		ErrGenericInternalServerError.Write(w)
		return
	}
	events, err := a.storage.Events(id)
	if err != nil {
		log.Errorw(err, "failed to load transfer events")
		ErrGenericInternalServerError.Write(w)
		return
	}
	httpWriteJSON(w, map[string]any{
		"transfer": t,
		"events":   events,
	})
}

// transactionsByAddress returns the most recent transfers involving the
// address, newest first.
func (a *API) transactionsByAddress(w http.ResponseWriter, r *http.Request) {
	if a.storage == nil {
		ErrStorageUnavailable.Write(w)
		return
	}
	address := strings.TrimSpace(chi.URLParam(r, AddressURLParam))
	if !addressRegex.MatchString(address) {
		ErrMalformedAddress.Withf("%q", address).Write(w)
		return
	}
	transfers, err := a.storage.ListForAddress(address, addressHistoryLimit)
	if err != nil {
		log.Errorw(err, "failed to list transfers for address")
		ErrGenericInternalServerError.Write(w)
		return
	}
	httpWriteJSON(w, map[string]any{
		"address":      address,
		"transactions": transfers,
		"count":        len(transfers),
	})
}
