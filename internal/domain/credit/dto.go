package credit

// SpendRequest is the body of POST /payment/credits/spend.
type SpendRequest struct {
	Amount int    `json:"amount" validate:"required,min=1,max=1000000"`
	Reason string `json:"reason" validate:"required,min=2,max=100"`
}

// GrantRequest is the body of POST /admin/credits/grant.
type GrantRequest struct {
	UserID    string `json:"userId" validate:"required,uuid"`
	Credits   int    `json:"credits" validate:"required,min=1,max=1000000"`
	ValidDays int    `json:"validDays" validate:"min=0,max=3650"`
	Reason    string `json:"reason" validate:"required,min=3,max=500"`
}

// BalanceResponse answers the sufficiency preflight.
type BalanceResponse struct {
	Sufficiency
	Required int `json:"required"`
}
