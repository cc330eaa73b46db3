package domain

// ReservationOutcome is the inventory's answer to a reserve call.
type ReservationOutcome struct {
	Success bool
	Reason  string
	Items   []ReservedItem
}

type ReservedItem struct {
	ProductID int64
	Requested int32
	Available int64
	Status    string
	Reason    string
}

type CatalogProduct struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Available int64  `json:"available"`
}

type PaymentDecision struct {
	Approved bool
	Band     string
	Roll     float64
	Reason   string
}
