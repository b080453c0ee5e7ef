package models

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	EntityTypeInvoice = "invoice"
	EntityTypeProduct = "product"
	EntityTypePayment = "payment"
)

const (
	EventTypeCreated   = "created"
	EventTypeUpdated   = "updated"
	EventTypePaid      = "paid"
	EventTypeVoided    = "voided"
	EventTypeDeleted   = "deleted"
	EventTypeSucceeded = "succeeded"
)

const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
	SyncStatusInfo    = "info"
)

const (
	ConnectionLogKindOAuth = "oauth"
	ConnectionLogKindSync  = "sync"
)

const (
	ConnectionLogStatusPending = "pending"
	ConnectionLogStatusSuccess = "success"
	ConnectionLogStatusError   = "error"
)
