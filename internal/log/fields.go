package log

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldUserAgent     = "user_agent"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldMovementID    = "movement_id"
	FieldPaymentID     = "payment_id"
	FieldPurchaseID    = "purchase_id"
	FieldPersonID      = "person_id"
	FieldCardID        = "card_id"
	FieldKind          = "kind"
	FieldAmount        = "amount"
	FieldEventType     = "event_type"
	FieldEventID       = "event_id"
)

const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentMovement   = "movement"
	ComponentAllocation = "allocation"
	ComponentBalance    = "balance"
	ComponentReconciler = "reconciler"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentSheets     = "sheets"
	ComponentCache      = "cache"
	ComponentSecurity   = "security"
	ComponentRateLimit  = "rate_limit"
)

const (
	OpCreate    = "create"
	OpRead      = "read"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpList      = "list"
	OpAllocate  = "allocate"
	OpReconcile = "reconcile"
	OpPublish   = "publish"
	OpExport    = "export"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// LogFields is a builder for structured log attributes.
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithMovement adds the identifying fields of a movement. amount is the
// decimal rendering of the movement amount.
func (f LogFields) WithMovement(id, personID, cardID int64, kind, amount string) LogFields {
	f[FieldMovementID] = id
	f[FieldPersonID] = personID
	f[FieldCardID] = cardID
	f[FieldKind] = kind
	f[FieldAmount] = amount
	return f
}

func (f LogFields) WithAllocation(paymentID, purchaseID int64, amount string) LogFields {
	f[FieldPaymentID] = paymentID
	f[FieldPurchaseID] = purchaseID
	f[FieldAmount] = amount
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	if query != "" {
		f[FieldQuery] = query
	}
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice flattens the fields into slog key/value pairs.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
