package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"lens-account/go-bridge/internal/bridge"
	"lens-account/go-bridge/internal/relay"
	"lens-account/go-bridge/internal/session"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if s.service == nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32099, Message: "service is not initialized"},
		})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatchRPC(r, req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Error("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc response", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	ctx := r.Context()

	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil

	case "bridge_status":
		return s.service.Status(), nil

	case "account_owner":
		return map[string]string{"owner": s.service.OwnerAddress()}, nil

	case "wc_pair":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.URI == "" {
			return nil, &rpcError{Code: -32602, Message: "uri is required"}
		}
		if err := s.service.Pair(ctx, params.URI); err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"status": "pairing"}, nil

	case "wc_approveProposal":
		id, rpcErr := proposalIDParam(rawParams)
		if rpcErr != nil {
			return nil, rpcErr
		}
		established, err := s.service.ApproveProposal(ctx, id)
		if err != nil {
			return nil, serviceError(err)
		}
		return established, nil

	case "wc_rejectProposal":
		id, rpcErr := proposalIDParam(rawParams)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.service.RejectProposal(ctx, id); err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"status": "rejected"}, nil

	case "wc_disconnectSession":
		var params struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(rawParams, &params); err != nil || params.Topic == "" {
			return nil, &rpcError{Code: -32602, Message: "topic is required"}
		}
		if err := s.service.DisconnectSession(ctx, params.Topic); err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"status": "disconnected"}, nil

	case "wc_listSessions":
		return map[string]any{
			"sessions":  s.service.Sessions(),
			"proposals": s.service.PendingProposals(),
		}, nil

	case "wc_pendingRequest":
		pending, ok := s.service.PendingRequest()
		if !ok {
			return map[string]any{"pending": false}, nil
		}
		return map[string]any{"pending": true, "request": pending}, nil

	case "wc_approveRequest":
		if err := s.service.ApproveRequest(ctx); err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"status": "submitted"}, nil

	case "wc_rejectRequest":
		if err := s.service.RejectRequest(ctx); err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"status": "rejected"}, nil
	}

	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

// serviceError maps application sentinels onto stable RPC codes so callers
// can branch without string matching.
func serviceError(err error) *rpcError {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return &rpcError{Code: -32010, Message: err.Error()}
	case errors.Is(err, session.ErrUnknownProposal):
		return &rpcError{Code: -32011, Message: err.Error()}
	case errors.Is(err, session.ErrSessionNotFound):
		return &rpcError{Code: -32012, Message: err.Error()}
	case errors.Is(err, bridge.ErrNoPendingRequest):
		return &rpcError{Code: -32013, Message: err.Error()}
	case errors.Is(err, bridge.ErrRequestInFlight):
		return &rpcError{Code: -32014, Message: err.Error()}
	case errors.Is(err, relay.ErrInvalidPairingURI):
		return &rpcError{Code: -32602, Message: err.Error()}
	default:
		return &rpcError{Code: -32000, Message: err.Error()}
	}
}

func proposalIDParam(rawParams json.RawMessage) (int64, *rpcError) {
	var params struct {
		ProposalID int64 `json:"proposalId"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil || params.ProposalID == 0 {
		return 0, &rpcError{Code: -32602, Message: "proposalId is required"}
	}
	return params.ProposalID, nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32600, Message: "invalid request"},
	})
}
