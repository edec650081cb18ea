package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"storefront-checkout/internal/domain"
)

const successText = `Hi {{.Customer.FirstName}},

Thank you for your order! Payment for order {{.OrderNumber}} was received.

{{range .Items}}- {{.VariantID}} ({{.Size}}) x{{.Quantity}} @ {{.UnitPrice.StringFixed 2}}
{{end}}
Total: {{.Currency}} {{.TotalAmount.StringFixed 2}}
Paid with: {{.PaymentMethodType}}
`

const successHTML = `<p>Hi {{.Customer.FirstName}},</p>
<p>Thank you for your order! Payment for order <strong>{{.OrderNumber}}</strong> was received.</p>
<ul>{{range .Items}}<li>{{.VariantID}} ({{.Size}}) x{{.Quantity}} @ {{.UnitPrice.StringFixed 2}}</li>{{end}}</ul>
<p>Total: <strong>{{.Currency}} {{.TotalAmount.StringFixed 2}}</strong><br>Paid with: {{.PaymentMethodType}}</p>
`

const failureText = `Hi {{.Customer.FirstName}},

We could not complete payment for order {{.OrderNumber}} ({{.Currency}} {{.TotalAmount.StringFixed 2}}).
{{if .RefundRequired}}Your payment will be refunded because an item sold out before we could confirm the order.
{{else}}No charge was made. You can place the order again at any time.
{{end}}`

const failureHTML = `<p>Hi {{.Customer.FirstName}},</p>
<p>We could not complete payment for order <strong>{{.OrderNumber}}</strong> ({{.Currency}} {{.TotalAmount.StringFixed 2}}).</p>
{{if .RefundRequired}}<p>Your payment will be refunded because an item sold out before we could confirm the order.</p>
{{else}}<p>No charge was made. You can place the order again at any time.</p>
{{end}}`

var (
	successTextTmpl = template.Must(template.New("success").Parse(successText))
	successHTMLTmpl = htmltemplate.Must(htmltemplate.New("success").Parse(successHTML))
	failureTextTmpl = template.Must(template.New("failure").Parse(failureText))
	failureHTMLTmpl = htmltemplate.Must(htmltemplate.New("failure").Parse(failureHTML))
)

// Dispatcher renders and sends the order outcome emails.
type Dispatcher struct {
	sender Sender
	from   string
}

func NewDispatcher(sender Sender, from string) *Dispatcher {
	return &Dispatcher{sender: sender, from: from}
}

func (d *Dispatcher) OrderPaid(ctx context.Context, o *domain.Order) error {
	return d.send(ctx, o, fmt.Sprintf("Order %s confirmed", o.OrderNumber), successTextTmpl, successHTMLTmpl)
}

func (d *Dispatcher) OrderFailed(ctx context.Context, o *domain.Order) error {
	return d.send(ctx, o, fmt.Sprintf("Payment for order %s failed", o.OrderNumber), failureTextTmpl, failureHTMLTmpl)
}

func (d *Dispatcher) send(ctx context.Context, o *domain.Order, subject string, text *template.Template, html *htmltemplate.Template) error {
	var textBody, htmlBody bytes.Buffer
	if err := text.Execute(&textBody, o); err != nil {
		return fmt.Errorf("render text email: %w", err)
	}
	if err := html.Execute(&htmlBody, o); err != nil {
		return fmt.Errorf("render html email: %w", err)
	}
	return d.sender.Send(ctx, Email{
		From:    d.from,
		To:      o.Customer.Email,
		Subject: subject,
		Text:    textBody.String(),
		HTML:    htmlBody.String(),
	})
}
