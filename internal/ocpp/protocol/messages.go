package protocol

import "time"

// IdTagInfo is shared by Authorize, StartTransaction and StopTransaction.
type IdTagInfo struct {
	Status      string     `json:"status"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag string     `json:"parentIdTag,omitempty"`
}

// BootNotificationRequest carries the station's self-description.
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

type BootNotificationResponse struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
	Status      string    `json:"status"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorID     int        `json:"connectorId"`
	Status          string     `json:"status"`
	ErrorCode       string     `json:"errorCode"`
	Info            string     `json:"info,omitempty"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	VendorID        string     `json:"vendorId,omitempty"`
	VendorErrorCode string     `json:"vendorErrorCode,omitempty"`
}

type StatusNotificationResponse struct{}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorID   int       `json:"connectorId"`
	IdTag         string    `json:"idTag"`
	MeterStart    int64     `json:"meterStart"`
	ReservationID *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type StartTransactionResponse struct {
	TransactionID int64     `json:"transactionId"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

type StopTransactionRequest struct {
	TransactionID   int64        `json:"transactionId"`
	IdTag           string       `json:"idTag,omitempty"`
	MeterStop       int64        `json:"meterStop"`
	Timestamp       time.Time    `json:"timestamp"`
	Reason          string       `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty"`
}

type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// SampledValue is a single measurement inside a MeterValue.
type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int64       `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type MeterValuesResponse struct{}

type DataTransferRequest struct {
	VendorID  string `json:"vendorId"`
	MessageID string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status string `json:"status"`
	Data   string `json:"data,omitempty"`
}

type DiagnosticsStatusNotificationRequest struct {
	Status string `json:"status"`
}

type DiagnosticsStatusNotificationResponse struct{}

type FirmwareStatusNotificationRequest struct {
	Status string `json:"status"`
}

type FirmwareStatusNotificationResponse struct{}

// RemoteStartTransactionRequest is sent by the central system.
type RemoteStartTransactionRequest struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag"`
}

type RemoteStartTransactionResponse struct {
	Status string `json:"status"`
}

type RemoteStopTransactionRequest struct {
	TransactionID int64 `json:"transactionId"`
}

type RemoteStopTransactionResponse struct {
	Status string `json:"status"`
}

type ResetRequest struct {
	Type string `json:"type"`
}

type ResetResponse struct {
	Status string `json:"status"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationResponse struct {
	Status string `json:"status"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type ConfigurationKey struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []ConfigurationKey `json:"configurationKey,omitempty"`
	UnknownKey       []string           `json:"unknownKey,omitempty"`
}

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}

type TriggerMessageResponse struct {
	Status string `json:"status"`
}

type ReserveNowRequest struct {
	ConnectorID   int       `json:"connectorId"`
	ExpiryDate    time.Time `json:"expiryDate"`
	IdTag         string    `json:"idTag"`
	ParentIdTag   string    `json:"parentIdTag,omitempty"`
	ReservationID int       `json:"reservationId"`
}

type ReserveNowResponse struct {
	Status string `json:"status"`
}

type CancelReservationRequest struct {
	ReservationID int `json:"reservationId"`
}

type CancelReservationResponse struct {
	Status string `json:"status"`
}
