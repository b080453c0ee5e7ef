package ledgerapi

import "github.com/shopspring/decimal"

// Wire shapes of the ledger's REST API. Amounts are the ledger's native
// decimal dollars; cents never appear on this side of the boundary.

type CustomerRef struct {
	Id          string `json:"Id"`
	SyncToken   string `json:"SyncToken"`
	DisplayName string `json:"DisplayName"`
	GivenName   string `json:"GivenName"`
	FamilyName  string `json:"FamilyName"`
	CompanyName string `json:"CompanyName"`
	Email       string `json:"PrimaryEmailAddr"`
	Active      bool   `json:"Active"`
}

type NewCustomer struct {
	GivenName   string
	FamilyName  string
	DisplayName string
	CompanyName string
	Email       string
}

type ItemRef struct {
	Id              string          `json:"Id"`
	SyncToken       string          `json:"SyncToken"`
	Name            string          `json:"Name"`
	Description     string          `json:"Description"`
	Type            string          `json:"Type"`
	Taxable         bool            `json:"Taxable"`
	UnitPrice       decimal.Decimal `json:"UnitPrice"`
	IncomeAccountId string          `json:"IncomeAccountId"`
}

type NewItem struct {
	Name            string
	Description     string
	UnitPrice       decimal.Decimal
	IncomeAccountId string
}

// ItemUpdate carries only the fields a sparse update pushes.
type ItemUpdate struct {
	Name        *string
	Description *string
}

type InvoiceLine struct {
	Amount      decimal.Decimal `json:"Amount"`
	Description string          `json:"Description"`
	Quantity    int64           `json:"Qty"`
	UnitPrice   decimal.Decimal `json:"UnitPrice"`
	ItemId      string          `json:"ItemId"`
}

type InvoiceRef struct {
	Id         string          `json:"Id"`
	SyncToken  string          `json:"SyncToken"`
	DocNumber  string          `json:"DocNumber"`
	CustomerId string          `json:"CustomerId"`
	TotalAmt   decimal.Decimal `json:"TotalAmt"`
	Lines      []InvoiceLine   `json:"Line"`
}

type NewInvoice struct {
	CustomerId string
	DocNumber  string
	Lines      []InvoiceLine
}

type PaymentRef struct {
	Id        string          `json:"Id"`
	SyncToken string          `json:"SyncToken"`
	TotalAmt  decimal.Decimal `json:"TotalAmt"`
}

type NewInvoicePayment struct {
	CustomerId string
	InvoiceId  string
	Amount     decimal.Decimal
}

type PurchaseRef struct {
	Id        string          `json:"Id"`
	SyncToken string          `json:"SyncToken"`
	TotalAmt  decimal.Decimal `json:"TotalAmt"`
}

// NewPurchase records an absorbed processing fee as a tenant expense: the
// amount is debited to the expense account and paid from the asset account.
type NewPurchase struct {
	ExpenseAccountId string
	PaymentAccountId string
	Amount           decimal.Decimal
	Memo             string
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int    `json:"expires_in"`
	RefreshTokenExpiresIn int    `json:"x_refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

type faultResponse struct {
	Fault struct {
		Type  string `json:"type"`
		Error []struct {
			Code    string `json:"code"`
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
		} `json:"Error"`
	} `json:"Fault"`
}
