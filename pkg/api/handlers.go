package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/pkg/merkle"
	"github.com/scalarorg/session-relayer/pkg/session"
	"github.com/scalarorg/session-relayer/pkg/types"
	"github.com/scalarorg/session-relayer/pkg/webhook"
)

func (s *Server) handleHealth(c echo.Context) error {
	if s.handlers.Health != nil {
		if err := s.handlers.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unhealthy", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// handleDepositWebhook always answers 200 so the notifier does not retry; the body carries
// the per-transfer outcome.
func (s *Server) handleDepositWebhook(c echo.Context) error {
	body := c.Request().Body
	if s.config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Response(), body, s.config.MaxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(http.StatusOK, &webhook.ProcessResult{
			Results: []webhook.ItemResult{{Status: webhook.StatusMalformed, Detail: err.Error()}},
		})
	}
	signature := c.Request().Header.Get(HEADER_ALCHEMY_SIGNATURE)
	if signature == "" {
		signature = c.Request().Header.Get(HEADER_SIGNATURE)
	}
	result, err := s.handlers.Ingestor.Ingest(c.Request().Context(), raw, signature)
	if err != nil && !errors.Is(err, types.ErrInvalidSignature) {
		log.Warn().Err(err).Msg("[Server] [handleDepositWebhook] delivery not fully processed")
	}
	if result == nil {
		result = &webhook.ProcessResult{Results: []webhook.ItemResult{{Status: webhook.StatusError, Detail: errorDetail(err)}}}
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleTrade(c echo.Context) error {
	var req session.TradeRequest
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": err.Error()})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": validationMessage(err)})
	}
	result, err := s.handlers.Trades.Execute(c.Request().Context(), req)
	if err != nil {
		status, body := tradeError(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("sessionId", req.SessionID).Msg("[Server] [handleTrade] trade failed")
		}
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetDeposit(c echo.Context) error {
	id := c.Param("id")
	record, err := s.handlers.Deposits.FindDeposit(c.Request().Context(), id)
	if err != nil {
		log.Error().Err(err).Str("depositId", id).Msg("[Server] [handleGetDeposit] lookup failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
	}
	if record == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "depositId": id})
	}
	return c.JSON(http.StatusOK, record)
}

type RelayerSet struct {
	Pool      string                   `json:"pool"`
	Root      common.Hash              `json:"root"`
	Addresses []common.Address         `json:"addresses"`
	Proofs    map[string][]common.Hash `json:"proofs"`
}

func (s *Server) handleRelayerSet(c echo.Context) error {
	name := c.Param("pool")
	addresses, err := s.handlers.Pools.AddressesOf(name)
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": err.Error()})
	}
	response, err := BuildRelayerSet(name, addresses)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error", "message": err.Error()})
	}
	return c.JSON(http.StatusOK, response)
}

// BuildRelayerSet returns the Merkle root of a pool with one proof per address.
func BuildRelayerSet(name string, addresses []common.Address) (*RelayerSet, error) {
	tree := merkle.BuildTree(addresses)
	response := &RelayerSet{
		Pool:      name,
		Root:      tree.Root(),
		Addresses: addresses,
		Proofs:    make(map[string][]common.Hash, len(addresses)),
	}
	for _, address := range addresses {
		proof, err := tree.ProofFor(address)
		if err != nil {
			return nil, err
		}
		response.Proofs[address.Hex()] = proof
	}
	return response, nil
}

// tradeError maps relay failures to HTTP: bad input and denials are 4xx, configuration
// problems 500, chain and submission failures 502.
func tradeError(err error) (int, echo.Map) {
	var denied *types.AuthDenied
	if errors.As(err, &denied) {
		return http.StatusForbidden, echo.Map{"error": "authorization_denied", "reason": denied.Reason, "message": denied.Error()}
	}
	if errors.Is(err, types.ErrInvalidRequest) {
		return http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": err.Error()}
	}
	if types.IsConfigError(err) {
		return http.StatusInternalServerError, echo.Map{"error": "config_error", "message": err.Error()}
	}
	var simulate *types.SimulateFailed
	if errors.As(err, &simulate) {
		return http.StatusBadGateway, echo.Map{"error": "simulation_failed", "reason": simulate.Reason, "message": err.Error()}
	}
	return http.StatusBadGateway, echo.Map{"error": "relay_failed", "message": err.Error()}
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	fields := make([]string, 0, len(errs))
	for _, fieldErr := range errs {
		fields = append(fields, fieldErr.Field()+" failed "+fieldErr.Tag())
	}
	return strings.Join(fields, "; ")
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
