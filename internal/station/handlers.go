package station

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"voltflow/internal/models"
	"voltflow/internal/ocpp"
	"voltflow/internal/ocpp/protocol"
)

func (s *Session) handleBootNotification(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.BootNotificationRequest](payload)
	if err != nil {
		return nil, err
	}

	if !s.cfg.BootAccept {
		s.bootRejects++
		if s.bootRejects >= maxBootRejects {
			s.logger.Warn("closing after repeated boot rejects")
			defer s.conn.Close()
		}
		return protocol.BootNotificationResponse{
			CurrentTime: time.Now().UTC(),
			Interval:    int(s.cfg.HeartbeatInterval / time.Second),
			Status:      protocol.RegistrationRejected,
		}, nil
	}

	now := time.Now().UTC()
	station := &models.Station{
		ID:              s.stationID,
		Status:          models.StationStatusAvailable,
		LastHeartbeatAt: &now,
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		FirmwareVersion: req.FirmwareVersion,
	}
	if err := s.store.UpsertStationBoot(ctx, station); err != nil {
		s.logger.Error("station boot upsert failed", zap.Error(err))
		return nil, err
	}

	s.bootRejects = 0
	if s.state == stateConnecting {
		s.state = stateBooted
	}

	return protocol.BootNotificationResponse{
		CurrentTime: now,
		Interval:    int(s.cfg.HeartbeatInterval / time.Second),
		Status:      protocol.RegistrationAccepted,
	}, nil
}

func (s *Session) handleHeartbeat(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	now := time.Now().UTC()
	if err := s.store.TouchStationHeartbeat(ctx, s.stationID, now); err != nil {
		s.logger.Warn("heartbeat persist failed", zap.Error(err))
	}
	s.registry.Touch(ctx, s.stationID)
	return protocol.HeartbeatResponse{CurrentTime: now}, nil
}

func connectorStatusFromOCPP(status string) string {
	switch status {
	case protocol.ConnectorAvailable:
		return models.StationStatusAvailable
	case protocol.ConnectorFaulted:
		return models.StationStatusFaulted
	case protocol.ConnectorUnavailable:
		return models.StationStatusUnavailable
	case protocol.ConnectorPreparing, protocol.ConnectorCharging, protocol.ConnectorSuspendedEV,
		protocol.ConnectorSuspendedEVSE, protocol.ConnectorFinishing, protocol.ConnectorReserved:
		return models.StationStatusOccupied
	}
	return models.StationStatusUnknown
}

func (s *Session) handleStatusNotification(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StatusNotificationRequest](payload)
	if err != nil {
		return nil, err
	}

	mapped := connectorStatusFromOCPP(req.Status)
	if req.ConnectorID == 0 {
		if err := s.store.SetStationStatus(ctx, s.stationID, mapped); err != nil {
			s.logger.Warn("station status update failed", zap.Error(err))
		}
	} else {
		if err := s.store.SetConnectorStatus(ctx, s.stationID, req.ConnectorID, mapped); err != nil {
			s.logger.Warn("connector status update failed",
				zap.Int("connector_id", req.ConnectorID), zap.Error(err))
		}
		if mapped == models.StationStatusFaulted {
			s.engine.HandleConnectorFaulted(ctx, s.stationID, req.ConnectorID)
		}
	}

	return protocol.StatusNotificationResponse{}, nil
}

func (s *Session) handleAuthorize(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.AuthorizeRequest](payload)
	if err != nil {
		return nil, err
	}

	status, err := s.engine.Authorize(ctx, strings.TrimSpace(req.IdTag))
	if err != nil {
		return nil, err
	}
	return protocol.AuthorizeResponse{IdTagInfo: protocol.IdTagInfo{Status: status}}, nil
}

func (s *Session) handleStartTransaction(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StartTransactionRequest](payload)
	if err != nil {
		return nil, err
	}
	at := req.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	txID, status, err := s.engine.HandleStartTransaction(ctx, s.stationID, req.ConnectorID, strings.TrimSpace(req.IdTag), req.MeterStart, at)
	if err != nil {
		return nil, err
	}

	return protocol.StartTransactionResponse{
		TransactionID: txID,
		IdTagInfo:     protocol.IdTagInfo{Status: status},
	}, nil
}

func (s *Session) handleStopTransaction(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.StopTransactionRequest](payload)
	if err != nil {
		return nil, err
	}
	at := req.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	settled, err := s.engine.HandleStopTransaction(ctx, s.stationID, req.TransactionID, req.MeterStop, at)
	if err != nil {
		return nil, err
	}
	if !settled {
		// wrong state or unknown transaction; no mutation happened
		return nil, errStopRejected
	}

	return protocol.StopTransactionResponse{
		IdTagInfo: &protocol.IdTagInfo{Status: protocol.AuthorizationAccepted},
	}, nil
}

func (s *Session) handleMeterValues(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.MeterValuesRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.TransactionID == nil {
		s.logger.Debug("meter values without transaction ignored",
			zap.Int("connector_id", req.ConnectorID))
		return protocol.MeterValuesResponse{}, nil
	}

	samples := flattenMeterValues(req.MeterValue)
	if err := s.engine.HandleMeterValues(ctx, s.stationID, *req.TransactionID, samples); err != nil {
		return nil, err
	}
	return protocol.MeterValuesResponse{}, nil
}

// flattenMeterValues keeps energy register readings, normalized to Wh.
func flattenMeterValues(values []protocol.MeterValue) []models.MeterSample {
	var samples []models.MeterSample
	for _, value := range values {
		for _, sampled := range value.SampledValue {
			if sampled.Measurand != "" && sampled.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			parsed, err := strconv.ParseFloat(strings.TrimSpace(sampled.Value), 64)
			if err != nil {
				continue
			}
			wh := int64(parsed)
			unit := sampled.Unit
			if unit == "kWh" {
				wh = int64(parsed * 1000)
			} else if unit == "" {
				unit = "Wh"
			}
			samples = append(samples, models.MeterSample{
				Timestamp: value.Timestamp,
				MeterWh:   wh,
				Measurand: "Energy.Active.Import.Register",
				Unit:      unit,
			})
		}
	}
	return samples
}

func (s *Session) handleDataTransfer(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.DataTransferRequest](payload)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("data transfer", zap.String("vendor_id", req.VendorID), zap.String("message_id", req.MessageID))
	return protocol.DataTransferResponse{Status: protocol.DataTransferAccepted}, nil
}

func (s *Session) handleDiagnosticsStatus(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.DiagnosticsStatusNotificationRequest](payload)
	if err != nil {
		return nil, err
	}
	s.logger.Info("diagnostics status", zap.String("status", req.Status))
	return protocol.DiagnosticsStatusNotificationResponse{}, nil
}

func (s *Session) handleFirmwareStatus(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.FirmwareStatusNotificationRequest](payload)
	if err != nil {
		return nil, err
	}
	s.logger.Info("firmware status", zap.String("status", req.Status))
	return protocol.FirmwareStatusNotificationResponse{}, nil
}
