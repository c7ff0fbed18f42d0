// Package configpush manages versioned configuration delivery to agents.
// Every push creates a new version row that stays pending until the agent
// acknowledges it with a matching checksum; pending versions are redelivered
// when the agent reconnects.
package configpush

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// ErrChecksumMismatch means an agent acknowledged a version with the wrong
// checksum, indicating it applied a different document than we pushed.
var ErrChecksumMismatch = errors.New("configpush: checksum mismatch")

// Sender delivers envelopes to connected agents.
type Sender interface {
	SendToHostname(hostname string, msg *protocol.Message) error
}

// Manager owns the config version lifecycle for all hosts.
type Manager struct {
	log    zerolog.Logger
	st     *store.Store
	sender Sender
	key    []byte // empty = plaintext config payloads
}

func New(st *store.Store, sender Sender, key []byte, log zerolog.Logger) *Manager {
	return &Manager{
		log:    log.With().Str("component", "configpush").Logger(),
		st:     st,
		sender: sender,
		key:    key,
	}
}

// Checksum returns the first 16 hex characters of the SHA-256 digest of the
// canonical config document.
func Checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// Push persists a new config version for the host and attempts immediate
// delivery. An offline host leaves the row pending; it is delivered when the
// agent registers again.
func (m *Manager) Push(hostname string, cfg map[string]any) (*store.ConfigVersion, error) {
	if hostname == "" {
		return nil, errors.New("configpush: empty hostname")
	}
	if len(cfg) == 0 {
		return nil, errors.New("configpush: empty config")
	}

	canonical, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	version, err := m.st.NextConfigVersion(hostname)
	if err != nil {
		return nil, err
	}

	row := &store.ConfigVersion{
		Hostname: hostname,
		Version:  version,
		Checksum: Checksum(canonical),
		Config:   string(canonical),
	}
	if err := m.st.SaveConfigVersion(row); err != nil {
		return nil, err
	}

	metrics.ConfigPushes.Inc()
	m.st.LogEvent("config", "info", "", "config_pushed",
		fmt.Sprintf("config version %d pushed to %s", version, hostname),
		map[string]any{"hostname": hostname, "checksum": row.Checksum})

	if err := m.deliver(row); err != nil {
		m.log.Info().Err(err).Str("hostname", hostname).Int("version", version).Msg("config not delivered, will retry on reconnect")
	} else {
		m.log.Info().Str("hostname", hostname).Int("version", version).Str("checksum", row.Checksum).Msg("config pushed")
	}
	return row, nil
}

// PushToAll pushes a config to every approved host in the fleet. The result
// maps each hostname to whether its version row was created; offline hosts
// count as success and receive the version when they reconnect.
func (m *Manager) PushToAll(cfg map[string]any) (map[string]bool, error) {
	hosts, err := m.st.ListHosts()
	if err != nil {
		return nil, err
	}

	results := make(map[string]bool)
	for _, h := range hosts {
		if !h.Approved() {
			continue
		}
		_, err := m.Push(h.FQDN, cfg)
		results[h.FQDN] = err == nil
		if err != nil {
			m.log.Error().Err(err).Str("hostname", h.FQDN).Msg("fleet config push failed for host")
		}
	}
	m.log.Info().Int("hosts", len(results)).Msg("fleet config push finished")
	return results, nil
}

// PushByPlatform pushes a config to every approved host on the given
// platform, matched case-insensitively. Returns the number of hosts that
// got a new version row.
func (m *Manager) PushByPlatform(platform string, cfg map[string]any) (int, error) {
	hosts, err := m.st.ListHosts()
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, h := range hosts {
		if !h.Approved() || !strings.EqualFold(h.Platform, platform) {
			continue
		}
		if _, err := m.Push(h.FQDN, cfg); err != nil {
			m.log.Error().Err(err).Str("hostname", h.FQDN).Msg("platform config push failed for host")
			continue
		}
		pushed++
	}
	m.log.Info().Str("platform", platform).Int("pushed", pushed).Msg("platform config push finished")
	return pushed, nil
}

// Acknowledge processes a config_acknowledgment from an agent.
func (m *Manager) Acknowledge(hostname string, ack *protocol.ConfigAcknowledgment) error {
	row, err := m.st.GetConfigVersion(hostname, ack.Version)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Warn().Str("hostname", hostname).Int("version", ack.Version).Msg("ack for unknown config version ignored")
		metrics.ConfigAcks.WithLabelValues("unknown").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	if row.Acknowledged() {
		m.log.Debug().Str("hostname", hostname).Int("version", ack.Version).Msg("duplicate config ack ignored")
		return nil
	}

	if latest, err := m.st.LatestConfigVersion(hostname); err == nil && latest.Version > ack.Version {
		// A newer version is already current; it stays pending no matter
		// what this ack says about the older one.
		m.log.Warn().Str("hostname", hostname).Int("acked", ack.Version).Int("current", latest.Version).
			Msg("acknowledgment for superseded config version")
	}

	if ack.Checksum != row.Checksum {
		metrics.ConfigAcks.WithLabelValues("rejected").Inc()
		m.st.LogEvent("config", "error", "", "config_ack_rejected",
			fmt.Sprintf("config ack for %s version %d has wrong checksum", hostname, ack.Version),
			map[string]any{"hostname": hostname, "expected": row.Checksum, "got": ack.Checksum})
		return fmt.Errorf("%w: version %d expected %s got %s", ErrChecksumMismatch, ack.Version, row.Checksum, ack.Checksum)
	}

	if !ack.Applied {
		// Agent could not apply the config. Keep the row pending so the
		// version is redelivered.
		metrics.ConfigAcks.WithLabelValues("failed").Inc()
		m.st.LogEvent("config", "error", "", "config_apply_failed",
			fmt.Sprintf("agent %s failed to apply config version %d", hostname, ack.Version),
			map[string]any{"hostname": hostname, "error": ack.Error})
		m.log.Warn().Str("hostname", hostname).Int("version", ack.Version).Str("error", ack.Error).Msg("agent failed to apply config")
		return nil
	}

	if err := m.st.AckConfigVersion(hostname, ack.Version, time.Now().UTC()); err != nil {
		return err
	}
	metrics.ConfigAcks.WithLabelValues("acked").Inc()
	m.st.LogEvent("config", "info", "", "config_acknowledged",
		fmt.Sprintf("agent %s applied config version %d", hostname, ack.Version),
		map[string]any{"hostname": hostname, "checksum": ack.Checksum})
	m.log.Info().Str("hostname", hostname).Int("version", ack.Version).Msg("config acknowledged")
	return nil
}

// PendingFor returns the host's unacknowledged versions, oldest first.
func (m *Manager) PendingFor(hostname string) ([]*store.ConfigVersion, error) {
	return m.st.PendingConfigVersions(hostname)
}

// DeliverPending sends every pending version to a freshly registered agent.
// Delivery stops at the first send failure; the rest stay pending.
func (m *Manager) DeliverPending(hostname string) (int, error) {
	pending, err := m.st.PendingConfigVersions(hostname)
	if err != nil {
		return 0, err
	}
	for i, row := range pending {
		if err := m.deliver(row); err != nil {
			return i, err
		}
	}
	if len(pending) > 0 {
		m.log.Info().Str("hostname", hostname).Int("count", len(pending)).Msg("redelivered pending config versions")
	}
	return len(pending), nil
}

func (m *Manager) deliver(row *store.ConfigVersion) error {
	msg, err := m.Envelope(row)
	if err != nil {
		return err
	}
	return m.sender.SendToHostname(row.Hostname, msg)
}

// Envelope builds the config_update message for one version row. With an
// encryption key configured the document is sealed and only the ciphertext
// travels on the wire.
func (m *Manager) Envelope(row *store.ConfigVersion) (*protocol.Message, error) {
	update := protocol.ConfigUpdate{Version: row.Version, Checksum: row.Checksum}
	if len(m.key) > 0 {
		ciphertext, nonce, err := m.seal([]byte(row.Config))
		if err != nil {
			return nil, err
		}
		update.EncryptedConfig = ciphertext
		update.Nonce = nonce
	} else {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
			return nil, fmt.Errorf("stored config for %s version %d invalid: %w", row.Hostname, row.Version, err)
		}
		update.Config = cfg
	}
	return protocol.NewMessage(protocol.TypeConfigUpdate, update)
}

func (m *Manager) seal(plaintext []byte) (ciphertext, nonce string, err error) {
	aead, err := chacha20poly1305.NewX(m.key)
	if err != nil {
		return "", "", fmt.Errorf("config encryption key: %w", err)
	}
	nonceBytes := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonceBytes, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonceBytes), nil
}
