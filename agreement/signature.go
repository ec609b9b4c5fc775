package agreement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"locumbook/booking"
)

const (
	maxSignedNameLen = 200
	maxCanvasPixels  = 4096 * 4096
)

type SignParams struct {
	AgreementID    string
	ActingUserID   string
	SignedName     string
	SignatureImage string
	OriginAddress  string
}

// decodeSignatureImage accepts a data URL or bare base64 payload and returns the raw bytes.
func decodeSignatureImage(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: agreement: signature image required", booking.ErrValidation)
	}
	payload := raw
	if strings.HasPrefix(raw, "data:") {
		header, body, ok := strings.Cut(raw, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: agreement: signature must be a base64 data url", booking.ErrValidation)
		}
		payload = body
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("%w: agreement: signature image is not valid base64", booking.ErrValidation)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: agreement: signature image is empty", booking.ErrValidation)
	}
	return data, nil
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// checkNotBlank rejects a PNG canvas whose pixels are all the same colour.
func checkNotBlank(data []byte) error {
	if !bytes.HasPrefix(data, pngMagic) {
		return nil
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: agreement: signature image is not a valid png", booking.ErrValidation)
	}
	if cfg.Width == 0 || cfg.Height == 0 || cfg.Width*cfg.Height > maxCanvasPixels {
		return fmt.Errorf("%w: agreement: signature canvas size %dx%d not accepted", booking.ErrValidation, cfg.Width, cfg.Height)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: agreement: signature image is not a valid png", booking.ErrValidation)
	}
	if uniform(img) {
		return fmt.Errorf("%w: agreement: signature canvas is blank", booking.ErrValidation)
	}
	return nil
}

func uniform(img image.Image) bool {
	b := img.Bounds()
	r0, g0, b0, a0 := img.At(b.Min.X, b.Min.Y).RGBA()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if r != r0 || g != g0 || bl != b0 || a != a0 {
				return false
			}
		}
	}
	return true
}

// signatureRef is the content address under which the image is referenced.
func signatureRef(data []byte) string {
	sum := blake2b.Sum256(data)
	return "blake2b256:" + hex.EncodeToString(sum[:])
}

// Sign records the acting party's signature. Signatures are strictly ordered: the agency signs
// first, after the fee gate is satisfied, and the client completes the agreement.
func (m *Manager) Sign(ctx context.Context, params SignParams) (SignResult, error) {
	var role booking.PartyRole
	res, err := m.sign(ctx, params, &role)
	m.metrics.Sign(role, err)
	return res, err
}

func (m *Manager) sign(ctx context.Context, params SignParams, role *booking.PartyRole) (SignResult, error) {
	if params.AgreementID == "" {
		return SignResult{}, fmt.Errorf("%w: agreement: missing agreement id", booking.ErrValidation)
	}
	name := strings.TrimSpace(params.SignedName)
	if name == "" {
		return SignResult{}, fmt.Errorf("%w: agreement: signed name required", booking.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxSignedNameLen {
		return SignResult{}, fmt.Errorf("%w: agreement: signed name too long", booking.ErrValidation)
	}
	data, err := decodeSignatureImage(params.SignatureImage)
	if err != nil {
		return SignResult{}, err
	}
	if err := checkNotBlank(data); err != nil {
		return SignResult{}, err
	}
	ref := signatureRef(data)

	var expired bool
	updated, err := m.repo.Update(ctx, params.AgreementID, func(a *Agreement) ([]Change, error) {
		r, err := resolveRole(*a, params.ActingUserID)
		if err != nil {
			return nil, err
		}
		*role = r
		if a.Status.Terminal() {
			return nil, terminalError(*a)
		}
		if m.deadlinePassed(*a) {
			expired = true
			return markExpired(a, params.ActingUserID, "deadline_passed"), nil
		}
		if a.signed(r) {
			return nil, fmt.Errorf("%w: agreement: %s has already signed", booking.ErrInvalidState, r)
		}

		switch r {
		case booking.PartyAgency:
			if a.Fees.RequiresInput {
				return nil, fmt.Errorf("%w: agreement: agency fee must be entered before signing", booking.ErrInvalidState)
			}
		case booking.PartyClient:
			if !a.AgencySigned {
				return nil, fmt.Errorf("%w: agreement: agency has not signed yet", booking.ErrOutOfOrder)
			}
		}

		sig := &Signature{
			SignerRole:        r,
			SignedName:        name,
			SignatureImageRef: ref,
			CapturedAt:        m.now().UTC(),
			OriginAddress:     params.OriginAddress,
		}
		if r == booking.PartyClient {
			a.ClientSigned = true
			a.ClientSignature = sig
		} else {
			a.AgencySigned = true
			a.AgencySignature = sig
		}

		changes := []Change{{
			Type:    EventSigned,
			ActorID: params.ActingUserID,
			Payload: map[string]any{
				"signer_role":         string(r),
				"signed_name":         name,
				"signature_image_ref": ref,
				"origin_address":      params.OriginAddress,
			},
		}}
		statusChanges, err := advance(a, params.ActingUserID)
		if err != nil {
			return nil, err
		}
		return append(changes, statusChanges...), nil
	})
	if err != nil {
		return SignResult{}, err
	}
	if expired {
		return SignResult{Agreement: updated}, fmt.Errorf("%w: agreement %s", booking.ErrExpired, params.AgreementID)
	}

	entry := m.log.WithFields(logrus.Fields{
		"agreement_id": updated.ID,
		"actor_id":     params.ActingUserID,
		"status":       updated.Status,
	})
	entry.Infof("%s signed agreement", *role)

	res := SignResult{Agreement: updated, BothSigned: updated.Status == StatusFullySigned}
	if res.BothSigned && m.invoices != nil {
		// The signature is committed; a failed call is re-driven from the outbox.
		sent, err := m.invoices.Dispatch(ctx, updated)
		m.recordInvoice(sent, err)
		switch {
		case errors.Is(err, ErrInvoiceInFlight):
			entry.WithError(err).Info("invoice already in flight")
		case err != nil:
			entry.WithError(err).Error("invoice trigger failed")
		case sent:
			entry.Info("invoice triggered")
		}
	}
	return res, nil
}
