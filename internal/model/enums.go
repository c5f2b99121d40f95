package model

// TransportState is the arbitration state of the data path between an
// ordered pair of devices.
type TransportState string

const (
	TransportNegotiating TransportState = "negotiating"
	TransportDirect      TransportState = "direct"
	TransportRelayed     TransportState = "relayed"
	TransportFailed      TransportState = "failed"
)

// Route is the data path a payload is sent over.
type Route string

const (
	RouteDirect Route = "p2p"
	RouteRelay  Route = "server"
)

// TransferKind distinguishes single-chunk messages from files.
type TransferKind string

const (
	TransferKindMessage TransferKind = "message"
	TransferKindFile    TransferKind = "file"
)

// ReportKind is the type of a stored connection report.
type ReportKind string

const (
	ReportKindDiagnostic ReportKind = "diagnostic"
	ReportKindTransport  ReportKind = "transport"
)
