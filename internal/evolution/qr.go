package evolution

import (
	"encoding/json"
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// qrPayload is the data object of a QRCODE_UPDATED event. Evolution
// nests the pairing code under qrcode.code on current versions and
// exposes it flat on older ones.
type qrPayload struct {
	QRCode struct {
		Code string `json:"code"`
	} `json:"qrcode"`
	Code string `json:"code"`
}

// PairingCode extracts the WhatsApp pairing string from a
// QRCODE_UPDATED event, or "" if the payload carries none.
func PairingCode(ev *WebhookEvent) string {
	if ev == nil || len(ev.Data) == 0 {
		return ""
	}
	var payload qrPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return ""
	}
	if payload.QRCode.Code != "" {
		return payload.QRCode.Code
	}
	return payload.Code
}

// RenderQR writes a scannable QR code for the pairing string to w,
// so an operator can link the WhatsApp session straight from the
// terminal instead of digging the code out of Evolution's logs.
func RenderQR(w io.Writer, code string) error {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("build qr: %w", err)
	}
	if _, err := io.WriteString(w, q.ToSmallString(false)); err != nil {
		return err
	}
	fmt.Fprintln(w, "Scan with WhatsApp: Settings > Linked Devices > Link a Device")
	return nil
}
