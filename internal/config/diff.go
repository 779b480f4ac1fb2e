package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked — the upstream bootstrap
// credentials and control-bus/directory endpoints require a process restart
// to take effect and are intentionally absent here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MarginChanged bool
	NewMargin     float64

	IdleTimeoutChanged bool
	NewIdleTimeoutMs   int

	RateCardsChanged bool
	RateCardChanges  []RateCardDiff
}

// RateCardDiff describes what changed for a single model's rate card
// between two configs.
type RateCardDiff struct {
	ModelID string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes that are safe to apply without restarting the process.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Cost.ProfitMarginPercent != new.Cost.ProfitMarginPercent {
		d.MarginChanged = true
		d.NewMargin = new.Cost.Margin()
	}

	if old.Session.IdleTimeoutMs != new.Session.IdleTimeoutMs {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeoutMs = new.Session.IdleTimeoutMs
	}

	oldCards := make(map[string]RateCardEntry, len(old.RateCards))
	for _, rc := range old.RateCards {
		oldCards[rc.ModelID] = rc
	}
	newCards := make(map[string]RateCardEntry, len(new.RateCards))
	for _, rc := range new.RateCards {
		newCards[rc.ModelID] = rc
	}

	for id, oldCard := range oldCards {
		newCard, exists := newCards[id]
		if !exists {
			d.RateCardChanges = append(d.RateCardChanges, RateCardDiff{ModelID: id, Removed: true})
			d.RateCardsChanged = true
			continue
		}
		if oldCard != newCard {
			d.RateCardChanges = append(d.RateCardChanges, RateCardDiff{ModelID: id, Changed: true})
			d.RateCardsChanged = true
		}
	}
	for id := range newCards {
		if _, exists := oldCards[id]; !exists {
			d.RateCardChanges = append(d.RateCardChanges, RateCardDiff{ModelID: id, Added: true})
			d.RateCardsChanged = true
		}
	}

	return d
}
