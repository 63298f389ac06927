package api

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint   = "/ping"           // Health check endpoint
	HealthEndpoint = "/relayer/health" // GET: Liveness and uptime

	// Transfer endpoints
	TransferIDURLParam     = "transferId"                                       // URL parameter for transfer ID
	SubmitEndpoint         = "/relayer/submit"                                  // POST: Submit a signed transfer
	TransfersEndpoint      = "/relayer/transfers"                               // POST: Submit a signed transfer (synonym)
	TransferStatusEndpoint = TransfersEndpoint + "/{" + TransferIDURLParam + "}" // GET: Transfer row plus event log

	// Queue endpoints
	StatsEndpoint            = "/relayer/stats"             // GET: Queue counters
	AdminConcurrencyEndpoint = "/relayer/admin/concurrency" // PUT: Adjust the concurrency cap (basic auth)

	// Address history endpoint
	AddressURLParam      = "address"                              // URL parameter for address
	TransactionsEndpoint = "/transactions/{" + AddressURLParam + "}" // GET: Last transfers involving an address

	// Websocket endpoint
	WebsocketEndpoint = "/ws" // GET: Subscription endpoint for lifecycle events
)

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
	HealthEndpoint,
	WebsocketEndpoint,
}
