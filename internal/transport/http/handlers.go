package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	order, err := s.orders.PlaceOrder(r.Context(), req.toModel())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	order, err := s.catalog.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.catalog.ListOrders(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(orders, newOrderResponse))
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	client, err := s.catalog.CreateClient(r.Context(), req.toModel())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newClientResponse(client))
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	client, err := s.catalog.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newClientResponse(client))
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.catalog.ListClients(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(clients, newClientResponse))
}

func (s *Server) listClientsWithoutOrders(w http.ResponseWriter, r *http.Request) {
	clients, err := s.catalog.ListClientsWithoutOrders(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(clients, newClientResponse))
}

func (s *Server) listClientsWithOrderTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.catalog.ListClientsWithOrderTotals(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(totals, newClientTotalResponse))
}

func (s *Server) listOrdersByClient(w http.ResponseWriter, r *http.Request) {
	orders, err := s.catalog.ListOrdersByClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(orders, newOrderResponse))
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	product, err := s.catalog.CreateProduct(r.Context(), req.toModel())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProductResponse(product))
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	product, err := s.catalog.GetProduct(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newProductResponse(product))
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.ListProducts(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(products, newProductResponse))
}

// decodeAndValidate читает JSON-тело и проверяет его по тегам validate.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrValidation, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", domain.ErrValidation, name, raw)
	}
	return id, nil
}
