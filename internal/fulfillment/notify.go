package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"templateshop.app/api/internal/email"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/models"
)

// notify sends the license e-mail for a committed order. Delivery problems
// are logged; the order stands either way.
func (e *Engine) notify(ctx context.Context, fresh *issued) {
	if e.mailer == nil {
		return
	}

	msg := licenseMessage(fresh.order, fresh.template, fresh.license)
	if err := e.mailer.Send(context.WithoutCancel(ctx), msg); err != nil {
		e.log.Error("Failed to send license email", logger.Fields{
			"order_id": fresh.order.ID,
			"to":       msg.To,
			"error":    err.Error(),
		})
		return
	}

	e.log.Info("License email sent", logger.Fields{
		"order_id": fresh.order.ID,
		"to":       msg.To,
	})
}

func licenseMessage(order *models.Order, template *models.Template, license *models.License) email.Message {
	name := order.BuyerName
	if name == "" {
		name = "there"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "Thank you for purchasing %s.\n\n", template.Name)
	fmt.Fprintf(&b, "Order: %s\n", orderReference(order))
	fmt.Fprintf(&b, "Total: %s\n", formatPrice(order.Total, order.Currency))
	fmt.Fprintf(&b, "License tier: %s\n", strings.ToLower(string(license.Tier)))
	fmt.Fprintf(&b, "License key: %s\n", license.Key)
	if license.MaxUsage != nil {
		fmt.Fprintf(&b, "Activations: %d\n", *license.MaxUsage)
	}
	if license.ExpiresAt != nil {
		fmt.Fprintf(&b, "Valid until: %s\n", license.ExpiresAt.Format("2006-01-02"))
	}
	b.WriteString("\nKeep this e-mail; you will need the key to download updates.\n")

	return email.Message{
		To:      order.BuyerEmail,
		Subject: fmt.Sprintf("Your license for %s", template.Name),
		Body:    b.String(),
	}
}

func orderReference(order *models.Order) string {
	if order.OrderNumber != "" {
		return "#" + order.OrderNumber
	}
	return order.ExternalID
}

func formatPrice(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + strings.ToUpper(currency)
}
