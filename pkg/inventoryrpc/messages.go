// Package inventoryrpc is the gRPC contract between the sales and inventory services.
package inventoryrpc

import "time"

type Item struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

type ReserveRequest struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
	Items         []Item `json:"items"`
}

// ItemResult.Status is one of reserved, insufficient_stock, product_not_found, rolled_back.
type ItemResult struct {
	ProductID int64  `json:"product_id"`
	Requested int32  `json:"requested"`
	Available int64  `json:"available"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type ReserveResponse struct {
	Success bool         `json:"success"`
	Items   []ItemResult `json:"items"`
}

type ReleaseRequest struct {
	OrderID       string `json:"order_id"`
	CorrelationID string `json:"correlation_id"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type GetProductRequest struct {
	ID int64 `json:"id"`
}

type Product struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}
