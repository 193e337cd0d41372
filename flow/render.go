package flow

import (
	"regexp"
	"strings"

	"github.com/room4-2/frontdesk/callstate"
	"github.com/room4-2/frontdesk/tenant"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render fills {{key}} placeholders from vars. Unknown keys render empty.
func Render(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		return vars[placeholder.FindStringSubmatch(m)[1]]
	})
	return strings.Join(strings.Fields(out), " ")
}

// Vars returns the template variables known for a call: the company name,
// every slot with a value, and name_greeting ("John, " once a first name is
// known).
func Vars(cfg *tenant.CompanyConfig, st *callstate.State) map[string]string {
	vars := map[string]string{"company": cfg.CompanyName}
	for _, def := range cfg.Registry().Ordered() {
		if v, ok := st.Value(def.ID); ok {
			vars[def.ID] = v
		}
	}
	if first, ok := st.Value(tenant.SlotIDName); ok && first != "" {
		vars["name_greeting"] = first + ", "
	}
	return vars
}

// Summary lists the confirmed booking details in registry order.
func Summary(cfg *tenant.CompanyConfig, st *callstate.State) string {
	var parts []string
	first, hasFirst := st.ConfirmedSlots[tenant.SlotIDName]
	for _, def := range cfg.Registry().Ordered() {
		v, ok := st.ConfirmedSlots[def.ID]
		if !ok || def.ID == tenant.SlotIDName || def.ID == cfg.ReasonSlot {
			continue
		}
		if def.ID == tenant.SlotIDLastName && hasFirst {
			v = first + " " + v
			parts = append(parts, "the name "+v)
			continue
		}
		parts = append(parts, def.Label+" "+v)
	}
	switch len(parts) {
	case 0:
		return "your request"
	case 1:
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
