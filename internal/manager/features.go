package manager

import "main/pkg/exception"

// Feature names a capability callers may gate behavior on.
type Feature string

const (
	FeatureBidirectionalMessaging Feature = "bidirectional_messaging"
	FeatureQualityMonitoring      Feature = "quality_monitoring"
	FeatureAutoReconnect          Feature = "auto_reconnect"
	FeatureSimulatedUpdates       Feature = "simulated_updates"
	FeatureOfflineSafeInteraction Feature = "offline_safe_interaction"
)

// Features returns the capability list for the current mode. It is a pure
// function of the mode; callers use it to gate affordances instead of
// probing for errors.
func (m *Manager) Features() []Feature {
	return FeaturesForMode(m.Mode())
}

// Capability reports whether the feature is usable right now: nil when the
// current mode carries it, ErrNotConnected while offline, and
// ErrCapabilityUnavailable when the active mode lacks it.
func (m *Manager) Capability(feature Feature) error {
	mode := m.Mode()
	if mode == ModeOffline {
		return exception.ErrNotConnected
	}
	for _, f := range FeaturesForMode(mode) {
		if f == feature {
			return nil
		}
	}
	return exception.ErrCapabilityUnavailable
}

// FeaturesForMode documents the mode-to-capability contract.
func FeaturesForMode(mode Mode) []Feature {
	switch mode {
	case ModeWebSocket:
		return []Feature{
			FeatureBidirectionalMessaging,
			FeatureQualityMonitoring,
			FeatureAutoReconnect,
		}
	case ModeFallback:
		return []Feature{
			FeatureSimulatedUpdates,
			FeatureOfflineSafeInteraction,
		}
	default:
		return nil
	}
}
