package usecases

import (
	"strconv"
	"strings"
	"time"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// TemplateData feeds RenderTemplate. Client may be nil when the number is
// not a registered client; Name then falls back to the WhatsApp push name.
type TemplateData struct {
	Client *entities.Client
	Phone  string
	Name   string
	Vars   map[string]string
	Now    time.Time
}

// RenderTemplate replaces {nome}, {name}, {telefone}, {vencimento},
// {dias_restantes}, {plano}, {valor} and {<var>} for collected session
// variables. Unknown placeholders are left untouched.
func RenderTemplate(tpl string, d TemplateData) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}

	name := d.Name
	phone := d.Phone
	pairs := []string{}
	if c := d.Client; c != nil {
		name = c.Name
		if phone == "" {
			phone = c.Phone
		}
		pairs = append(pairs,
			"{vencimento}", c.ExpirationDate.Format("02/01/2006"),
			"{dias_restantes}", strconv.Itoa(c.DaysLeft(d.Now)),
			"{plano}", c.PlanName,
			"{valor}", FormatMoney(c.Price),
		)
	}
	pairs = append(pairs,
		"{nome}", name,
		"{name}", name,
		"{telefone}", phone,
	)
	for k, v := range d.Vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
