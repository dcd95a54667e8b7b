// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juju/errors"

	"github.com/storefeed/storefeed/params"
)

// sendStatusAndJSON sends an HTTP status code and a JSON-encoded
// response to a client.
func sendStatusAndJSON(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		logger.Errorf("cannot marshal JSON result %#v: %v", response, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", params.ContentTypeJSON)
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		logger.Debugf("cannot write response: %v", err)
	}
}

func (w *Server) productsHandler(resp http.ResponseWriter, req *http.Request) {
	products, err := w.config.Catalog.AllProducts()
	if err != nil {
		logger.Errorf("cannot list products: %v", err)
		sendStatusAndJSON(resp, http.StatusInternalServerError, &params.ProductsResponse{
			Error: err.Error(),
		})
		return
	}
	sendStatusAndJSON(resp, http.StatusOK, &params.ProductsResponse{
		Success: true,
		Data:    products,
	})
}

func (w *Server) productHandler(resp http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get(":id")
	product, err := w.config.Catalog.Product(id)
	if errors.Is(err, errors.NotFound) {
		sendStatusAndJSON(resp, http.StatusNotFound, &params.ProductResponse{
			Error: err.Error(),
		})
		return
	} else if err != nil {
		logger.Errorf("cannot fetch product %q: %v", id, err)
		sendStatusAndJSON(resp, http.StatusInternalServerError, &params.ProductResponse{
			Error: err.Error(),
		})
		return
	}
	sendStatusAndJSON(resp, http.StatusOK, &params.ProductResponse{
		Success: true,
		Data:    product,
	})
}

func (w *Server) ticketsHandler(resp http.ResponseWriter, req *http.Request) {
	tickets, err := w.config.Catalog.AllTickets()
	if err != nil {
		logger.Errorf("cannot list tickets: %v", err)
		sendStatusAndJSON(resp, http.StatusInternalServerError, &params.TicketsResponse{
			Error: err.Error(),
		})
		return
	}
	sendStatusAndJSON(resp, http.StatusOK, &params.TicketsResponse{
		Success: true,
		Data:    tickets,
	})
}
