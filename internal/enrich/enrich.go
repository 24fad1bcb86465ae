// Package enrich derives client identity, idempotency keys, and context
// hints for an event before it leaves the intake process. After this pass
// DeduplicationID and PayloadHash are frozen; they are the idempotency
// contract between intake and storage.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulsegate/internal/event"
	"pulsegate/internal/platform/middleware/metadata"
)

// locationExternal is the simulated geo hint for anything outside our
// network; a real geo-IP lookup is a drop-in replacement.
const locationExternal = "US/Redmond"

// Enricher resolves the true client address through trusted proxies and
// stamps identity, integrity, and context metadata. It never fails a
// request: anything unresolvable degrades to a default.
type Enricher struct {
	trustedProxies []netip.Prefix
	now            func() time.Time
}

// New parses the trusted proxy CIDRs; entries that do not parse are skipped.
func New(trustedCIDRs []string) *Enricher {
	e := &Enricher{now: time.Now}
	for _, cidr := range trustedCIDRs {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			e.trustedProxies = append(e.trustedProxies, p)
		}
	}
	return e
}

// Enrich mutates the event in place using the request context populated by
// the metadata middleware.
func (e *Enricher) Enrich(ctx context.Context, ev *event.Event) {
	ip := e.resolveClientIP(ctx, ev)
	ev.SetMeta(event.MetaClientIP, ip)

	deviceID := metadata.GetDeviceID(ctx)
	if deviceID == "" {
		deviceID = "GEN_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	ev.SetMeta(event.MetaDeviceID, deviceID)

	// The caller's own event id is the stable retry key: content hashing
	// would shift under retries, the id does not.
	ev.DeduplicationID = ev.EventID

	ev.SetMeta(event.MetaIngestedAt, e.now().UTC().Format(time.RFC3339Nano))
	ev.SetMeta(event.MetaProducerVersion, event.ProducerVersion)

	// Integrity digest over stable fields only; volatile fields (timestamps)
	// are excluded so retries of the same logical event hash identically.
	ev.PayloadHash = PayloadHash(ev)

	ua := metadata.GetUserAgent(ctx)
	ev.SetMeta(event.MetaBrowser, classifyBrowser(ua))
	ev.SetMeta(event.MetaOS, classifyOS(ua))

	contextDigest := sha256.Sum256([]byte(ip + "|" + deviceID + "|" + ua))
	ev.SetMeta(event.MetaContextHash, hex.EncodeToString(contextDigest[:])[:16])

	ev.SetMeta(event.MetaLocation, locate(ip))
	ev.SetMeta(event.MetaOccurrenceTime, ev.CreatedAt.UTC().Format(time.RFC3339Nano))
}

// PayloadHash digests the stable identity tuple of an event.
func PayloadHash(ev *event.Event) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", ev.TenantID, ev.UserID, ev.Type, ev.CorrelationID)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// resolveClientIP walks the forwarded-for chain right to left and returns the
// first hop that is not one of our trusted proxies; if every hop is trusted
// the oldest entry wins. Without a chain the transport peer address is used.
func (e *Enricher) resolveClientIP(ctx context.Context, ev *event.Event) string {
	chain := metadata.GetForwardedFor(ctx)
	if chain == "" {
		if peer := metadata.GetClientIP(ctx); peer != "" {
			return peer
		}
		return "127.0.0.1"
	}
	ev.SetMeta(event.MetaIPChain, chain)

	hops := splitChain(chain)
	for i := len(hops) - 1; i >= 0; i-- {
		if !e.isTrustedProxy(hops[i]) {
			return hops[i]
		}
	}
	return hops[0]
}

func splitChain(chain string) []string {
	parts := strings.Split(chain, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, "127.0.0.1")
	}
	return out
}

func (e *Enricher) isTrustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range e.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func classifyBrowser(ua string) string {
	if strings.Contains(ua, "Chrome") {
		return "Chrome"
	}
	return "Other"
}

func classifyOS(ua string) string {
	if strings.Contains(ua, "Windows") {
		return "Windows"
	}
	return "Other"
}

// locate is the simulated geo hint: loopback and RFC1918 192.168/16 traffic
// is Internal, everything else maps to the default external region.
func locate(ip string) string {
	if ip == "127.0.0.1" || strings.HasPrefix(ip, "192.168.") {
		return event.LocationInternal
	}
	return locationExternal
}
