package protocol

// MessageType values as per OCPP spec.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Inbound actions (station to central system).
const (
	ActionBootNotification              = "BootNotification"
	ActionHeartbeat                     = "Heartbeat"
	ActionStatusNotification            = "StatusNotification"
	ActionAuthorize                     = "Authorize"
	ActionStartTransaction              = "StartTransaction"
	ActionStopTransaction               = "StopTransaction"
	ActionMeterValues                   = "MeterValues"
	ActionDataTransfer                  = "DataTransfer"
	ActionDiagnosticsStatusNotification = "DiagnosticsStatusNotification"
	ActionFirmwareStatusNotification    = "FirmwareStatusNotification"
)

// Outbound actions (central system to station).
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionReset                  = "Reset"
	ActionChangeConfiguration    = "ChangeConfiguration"
	ActionGetConfiguration       = "GetConfiguration"
	ActionTriggerMessage         = "TriggerMessage"
	ActionReserveNow             = "ReserveNow"
	ActionCancelReservation      = "CancelReservation"
)

// Registration status values.
const (
	RegistrationAccepted = "Accepted"
	RegistrationRejected = "Rejected"
)

// idTagInfo status values.
const (
	AuthorizationAccepted = "Accepted"
	AuthorizationBlocked  = "Blocked"
	AuthorizationInvalid  = "Invalid"
)

// StatusNotification connector status values.
const (
	ConnectorAvailable     = "Available"
	ConnectorPreparing     = "Preparing"
	ConnectorCharging      = "Charging"
	ConnectorSuspendedEVSE = "SuspendedEVSE"
	ConnectorSuspendedEV   = "SuspendedEV"
	ConnectorFinishing     = "Finishing"
	ConnectorReserved      = "Reserved"
	ConnectorUnavailable   = "Unavailable"
	ConnectorFaulted       = "Faulted"
)

// CallError codes.
const (
	ErrorNotImplemented     = "NotImplemented"
	ErrorFormationViolation = "FormationViolation"
	ErrorInternalError      = "InternalError"
)

// DataTransfer status values.
const (
	DataTransferAccepted = "Accepted"
	DataTransferRejected = "Rejected"
)

// Remote start/stop response status values.
const (
	RemoteStartStopAccepted = "Accepted"
	RemoteStartStopRejected = "Rejected"
)
