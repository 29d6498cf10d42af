package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/cadenza-erp/cadenza-erp/internal/deliverynote"
	"github.com/cadenza-erp/cadenza-erp/internal/masterdata"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/httpx"
)

// NoteProvider exposes the delivery note data the printout needs.
type NoteProvider interface {
	Get(ctx context.Context, id int64) (*deliverynote.DeliveryNote, error)
	NoteType(ctx context.Context, id int64) (*deliverynote.NoteType, error)
	UpdateTransportDatetime(ctx context.Context, id int64) error
}

// PartnerProvider resolves the parties named on the printout.
type PartnerProvider interface {
	GetPartner(ctx context.Context, id int64) (*masterdata.Partner, error)
}

// Handler manages report endpoints.
type Handler struct {
	client   *Client
	notes    NoteProvider
	partners PartnerProvider
	logger   *slog.Logger
	tmpl     *template.Template
	// Italian thousand and decimal separators on the printed document.
	printer *message.Printer
}

// NewHandler creates a report handler.
func NewHandler(client *Client, notes NoteProvider, partners PartnerProvider, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.New("delivery_note").Parse(deliveryNoteTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse delivery note template: %w", err)
	}
	return &Handler{
		client:   client,
		notes:    notes,
		partners: partners,
		logger:   logger,
		tmpl:     tmpl,
		printer:  message.NewPrinter(language.Italian),
	}, nil
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/delivery-notes/{id}.pdf", h.deliveryNotePDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) deliveryNotePDF(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid delivery note ID", http.StatusBadRequest)
		return
	}

	// The first printout marks the start of transport.
	if err := h.notes.UpdateTransportDatetime(r.Context(), id); err != nil {
		h.logger.Warn("stamp transport datetime", slog.Any("error", err), slog.Int64("id", id))
	}

	html, name, err := h.buildDeliveryNoteHTML(r.Context(), id)
	if err != nil {
		h.logger.Error("build delivery note printout", slog.Any("error", err), slog.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	pdf, err := h.client.RenderHTML(r.Context(), html)
	if err != nil {
		h.logger.Error("render delivery note pdf", slog.Any("error", err), slog.Int64("id", id))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	httpx.Binary(w, "application/pdf", name+".pdf", pdf)
}

type printoutLine struct {
	IsSection bool
	Name      string
	Quantity  string
	Price     string
	Discount  string
	Amount    string
}

type printoutData struct {
	Title       string
	Date        string
	Sender      string
	Recipient   string
	Shipping    string
	PartnerRef  string
	Packages    int
	GrossWeight string
	NetWeight   string
	PrintPrices bool
	Lines       []printoutLine
	AmountTotal string
	Currency    string
	GeneratedAt string
}

func (h *Handler) buildDeliveryNoteHTML(ctx context.Context, id int64) (string, string, error) {
	note, err := h.notes.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	noteType, err := h.notes.NoteType(ctx, note.TypeID)
	if err != nil {
		return "", "", err
	}

	partner, err := h.partners.GetPartner(ctx, note.PartnerID)
	if err != nil {
		return "", "", err
	}
	data := printoutData{
		Title:       note.DisplayName(partner.Name),
		Recipient:   masterdata.FormatLocationAddress(partner),
		Packages:    note.Packages,
		GrossWeight: h.printer.Sprintf("%.2f", note.GrossWeight),
		NetWeight:   h.printer.Sprintf("%.2f", note.NetWeight),
		PrintPrices: noteType.PrintPrices,
		GeneratedAt: time.Now().Format("02/01/2006 15:04"),
	}
	if note.Date != nil {
		data.Date = note.Date.Format("02/01/2006")
	}
	if note.PartnerRef != nil {
		data.PartnerRef = *note.PartnerRef
	}
	if sender, err := h.partners.GetPartner(ctx, note.PartnerSenderID); err == nil {
		data.Sender = masterdata.FormatLocationAddress(sender)
	}
	if shipping, err := h.partners.GetPartner(ctx, note.PartnerShippingID); err == nil {
		data.Shipping = masterdata.FormatLocationAddress(shipping)
	}

	for _, line := range note.Lines {
		if line.IsDisplay() {
			data.Lines = append(data.Lines, printoutLine{IsSection: true, Name: line.Name})
			continue
		}
		pl := printoutLine{
			Name:     line.Name,
			Quantity: h.printer.Sprintf("%.2f", line.Quantity),
		}
		if noteType.PrintPrices {
			price, _ := line.PriceUnit.Float64()
			discount, _ := line.Discount.Float64()
			amount, _ := line.Amount.Float64()
			pl.Price = h.printer.Sprintf("%.2f", price)
			pl.Discount = h.printer.Sprintf("%.2f", discount)
			pl.Amount = h.printer.Sprintf("%.2f", amount)
		}
		data.Lines = append(data.Lines, pl)
		if line.CurrencyCode != "" {
			data.Currency = line.CurrencyCode
		}
	}
	if noteType.PrintPrices {
		total, _ := note.AmountTotal.Float64()
		data.AmountTotal = h.printer.Sprintf("%.2f", total)
	}

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute delivery note template: %w", err)
	}

	filename := "delivery-note"
	if note.Name != nil && *note.Name != "" {
		filename = *note.Name
	}
	return buf.String(), filename, nil
}

const deliveryNoteTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; font-size: 12px; margin: 2em; }
h1 { font-size: 18px; }
table { width: 100%; border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #999; padding: 4px 6px; text-align: left; }
td.num, th.num { text-align: right; }
tr.section td { background: #eee; font-weight: bold; }
.addresses { display: flex; justify-content: space-between; margin-top: 1em; }
.addresses div { width: 32%; }
.meta { margin-top: 1em; color: #444; }
.total { margin-top: 1em; text-align: right; font-weight: bold; }
footer { margin-top: 2em; font-size: 10px; color: #888; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Date}}<p>Date: {{.Date}}</p>{{end}}
{{if .PartnerRef}}<p>Partner reference: {{.PartnerRef}}</p>{{end}}
<div class="addresses">
<div><strong>Sender</strong><br>{{.Sender}}</div>
<div><strong>Recipient</strong><br>{{.Recipient}}</div>
<div><strong>Ship to</strong><br>{{.Shipping}}</div>
</div>
<div class="meta">Packages: {{.Packages}} &mdash; Gross weight: {{.GrossWeight}} &mdash; Net weight: {{.NetWeight}}</div>
<table>
<tr><th>Description</th><th class="num">Qty</th>{{if .PrintPrices}}<th class="num">Price</th><th class="num">Disc. %</th><th class="num">Amount</th>{{end}}</tr>
{{range .Lines}}
{{if .IsSection}}<tr class="section"><td colspan="{{if $.PrintPrices}}5{{else}}2{{end}}">{{.Name}}</td></tr>
{{else}}<tr><td>{{.Name}}</td><td class="num">{{.Quantity}}</td>{{if $.PrintPrices}}<td class="num">{{.Price}}</td><td class="num">{{.Discount}}</td><td class="num">{{.Amount}}</td>{{end}}</tr>
{{end}}
{{end}}
</table>
{{if .PrintPrices}}<div class="total">Total: {{.AmountTotal}} {{.Currency}}</div>{{end}}
<footer>Generated at {{.GeneratedAt}}</footer>
</body>
</html>`
