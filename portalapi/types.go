package portalapi

import "time"

// Portal wire shapes. All money is integer cents, the portal's native unit.

const (
	InvoiceStatusDraft  = "draft"
	InvoiceStatusOpen   = "open"
	InvoiceStatusPaid   = "paid"
	InvoiceStatusVoided = "voided"

	ClientStatusActive = "active"
)

type LineItem struct {
	AmountCents int64  `json:"amount"`
	Quantity    int64  `json:"quantity"`
	Description string `json:"description"`
}

type Invoice struct {
	Id          string     `json:"id"`
	Number      string     `json:"number"`
	Status      string     `json:"status"`
	RecipientId string     `json:"recipientId"`
	TotalCents  int64      `json:"total"`
	TaxCents    int64      `json:"tax"`
	LineItems   []LineItem `json:"lineItems"`
}

type Product struct {
	Id          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type Price struct {
	Id              string `json:"id"`
	ProductId       string `json:"productId"`
	UnitAmountCents int64  `json:"unitAmount"`
}

type Client struct {
	Id         string    `json:"id"`
	GivenName  string    `json:"givenName"`
	FamilyName string    `json:"familyName"`
	Email      string    `json:"email"`
	Status     string    `json:"status"`
	CompanyId  string    `json:"companyId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Company struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type Payment struct {
	Id            string `json:"id"`
	InvoiceNumber string `json:"invoiceNumber"`
	AmountCents   int64  `json:"amount"`
	FeeCents      int64  `json:"fee"`
	Status        string `json:"status"`
}
