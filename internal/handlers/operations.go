package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

// Registrar accepts operation handlers. Both *queue.Queue and
// *offline.Service satisfy it.
type Registrar interface {
	RegisterHandler(typ queue.OperationType, h queue.Handler)
}

// Register installs a handler for every operation type.
func (b *Backend) Register(r Registrar) {
	r.RegisterHandler(queue.UpdateReportStatus, b.UpdateReportStatus)
	r.RegisterHandler(queue.UpdateProfile, b.UpdateProfile)
	r.RegisterHandler(queue.MarkNotificationRead, b.MarkNotificationRead)
}

// UpdateReportStatus sends PATCH /emergency-reports/{reportId}.
func (b *Backend) UpdateReportStatus(ctx context.Context, payload map[string]any) error {
	id, err := idParam(payload, "reportId")
	if err != nil {
		return err
	}
	status, ok := payload["status"].(string)
	if !ok || status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidPayload)
	}
	return b.Do(ctx, http.MethodPatch, "/emergency-reports/"+url.PathEscape(id), map[string]string{"status": status})
}

// UpdateProfile sends the payload to POST /mobile/auth/complete-profile.
func (b *Backend) UpdateProfile(ctx context.Context, payload map[string]any) error {
	return b.Do(ctx, http.MethodPost, "/mobile/auth/complete-profile", payload)
}

// MarkNotificationRead sends PATCH /notifications/{notificationId}/read.
func (b *Backend) MarkNotificationRead(ctx context.Context, payload map[string]any) error {
	id, err := idParam(payload, "notificationId")
	if err != nil {
		return err
	}
	return b.Do(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil)
}

// idParam reads an identifier that may arrive as a string or a JSON number.
func idParam(payload map[string]any, key string) (string, error) {
	switch v := payload[key].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	}
	return "", fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
}
