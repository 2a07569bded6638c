package validation

import (
	"fmt"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

// deniedServices blocks syntactically valid operations that could take the
// platform or its history down. The list applies to every caller.
var deniedServices = map[string]struct{}{
	"homeassistant.restart":   {},
	"homeassistant.stop":      {},
	"hassio.host_reboot":      {},
	"hassio.host_shutdown":    {},
	"recorder.purge":          {},
	"recorder.purge_entities": {},
	"recorder.disable":        {},
}

// CheckService rejects denied domain/service pairs.
func CheckService(domain, service string) error {
	key := domain + "." + service
	if _, denied := deniedServices[key]; denied {
		return apperrors.NewInvalidArgument("service", fmt.Sprintf("calling %s is not permitted", key))
	}

	return nil
}

// knownDomains whitelists the resource classes the gateway will address.
var knownDomains = map[string]struct{}{
	"alarm_control_panel": {},
	"automation":          {},
	"binary_sensor":       {},
	"button":              {},
	"camera":              {},
	"climate":             {},
	"cover":               {},
	"fan":                 {},
	"humidifier":          {},
	"input_boolean":       {},
	"input_number":        {},
	"input_select":        {},
	"light":               {},
	"lock":                {},
	"media_player":        {},
	"number":              {},
	"person":              {},
	"scene":               {},
	"script":              {},
	"select":              {},
	"sensor":              {},
	"switch":              {},
	"todo":                {},
	"vacuum":              {},
	"water_heater":        {},
	"zone":                {},
}

// IsKnownDomain reports whether the gateway recognizes the resource class.
func IsKnownDomain(domain string) bool {
	_, ok := knownDomains[domain]
	return ok
}

// KnownDomain is the rule form of IsKnownDomain.
func KnownDomain() Rule {
	return Rule{
		Check:   IsKnownDomain,
		Message: "is not a recognized resource class",
	}
}
