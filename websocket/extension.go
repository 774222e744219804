package websocket

import (
	"strconv"
	"strings"
)

// extensionTransform is one entry in the negotiated extension pipeline
// (spec.md section 4.4). Outbound transforms run in pipeline order before a
// message is framed; inbound transforms run in reverse order after a
// message is reassembled, mirroring how RFC 7692-style extensions compose.
type extensionTransform interface {
	// name is the Sec-WebSocket-Extensions token, for diagnostics.
	name() string
	// rsvBit is the single RSV bit this extension claims on the wire.
	rsvBit() byte
	// transformOutbound runs before sending; it may set rsvBit() on rsv.
	transformOutbound(op opcode, rsv byte, payload []byte) (byte, []byte, error)
	// transformInbound runs after reassembly; rsv is the first fragment's
	// RSV bits, used to decide whether this extension applies.
	transformInbound(op opcode, rsv byte, payload []byte) ([]byte, error)
}

// extensionPipeline is the ordered, negotiated set of transforms a
// connection applies to every data message. Grounded on spec.md section
// 4.4 ("Extension Pipeline"); the teacher has no equivalent (it hardcodes
// permessage-deflate directly into Conn), so this is new structure that
// existing compression logic is adapted into.
type extensionPipeline struct {
	transforms []extensionTransform
	allowedRSV byte
}

func newExtensionPipeline(transforms []extensionTransform) *extensionPipeline {
	p := &extensionPipeline{transforms: transforms}
	for _, t := range transforms {
		p.allowedRSV |= t.rsvBit()
	}
	return p
}

func (p *extensionPipeline) outbound(op opcode, payload []byte) (byte, []byte, error) {
	var rsv byte
	var err error
	for _, t := range p.transforms {
		rsv, payload, err = t.transformOutbound(op, rsv, payload)
		if err != nil {
			return 0, nil, err
		}
	}
	return rsv, payload, nil
}

func (p *extensionPipeline) inbound(op opcode, rsv byte, payload []byte) ([]byte, error) {
	var err error
	for i := len(p.transforms) - 1; i >= 0; i-- {
		payload, err = p.transforms[i].transformInbound(op, rsv, payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// extensionOffer is one parsed member of a Sec-WebSocket-Extensions header:
// an extension token followed by semicolon-separated parameters.
type extensionOffer struct {
	token  string
	params map[string]string // value "" for a bare (flag) parameter
}

// parseExtensionHeader parses a Sec-WebSocket-Extensions header value (RFC
// 6455, section 9.1) into its comma-separated offers. Grounded on the
// teacher's header-splitting helpers (util.go), generalized from the
// single Connection/Upgrade token check to full parameter parsing.
func parseExtensionHeader(header string) []extensionOffer {
	if header == "" {
		return nil
	}
	var offers []extensionOffer
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		token := strings.TrimSpace(fields[0])
		if token == "" {
			continue
		}
		offer := extensionOffer{token: token, params: map[string]string{}}
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if i := strings.IndexByte(f, '='); i >= 0 {
				name := strings.TrimSpace(f[:i])
				val := strings.Trim(strings.TrimSpace(f[i+1:]), `"`)
				offer.params[name] = val
			} else {
				offer.params[f] = ""
			}
		}
		offers = append(offers, offer)
	}
	return offers
}

// formatExtensionOffer renders name and params back into one
// comma-separated-safe Sec-WebSocket-Extensions member.
func formatExtensionOffer(name string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for k, v := range params {
		b.WriteString("; ")
		b.WriteString(k)
		if v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// negotiateExtensions builds the pipeline from the server's
// Sec-WebSocket-Extensions response header, validated against what the
// client offered. Unrecognized extension tokens are skipped. A
// permessage-deflate response is accepted whatever other parameters it
// carries (they are not checked against the offer); it fails negotiation
// with ErrExtensionNegotiationFailed only when the token repeats or a
// *_max_window_bits value is not an integer in 8-15. If requireNegotiated
// is set, an empty result is an error (spec.md section 4.4:
// "RequireNegotiatedExtensions").
func negotiateExtensions(responseHeader string, opts PerMessageDeflateOptions, requireNegotiated bool, maxMessageSize int64) (*extensionPipeline, error) {
	offers := parseExtensionHeader(responseHeader)

	var transforms []extensionTransform
	seen := make(map[string]bool, len(offers))
	for _, o := range offers {
		if o.token != pmdExtensionToken {
			continue
		}
		if seen[o.token] {
			return nil, ErrExtensionNegotiationFailed
		}
		seen[o.token] = true
		ext, err := newPMDExtension(o, opts)
		if err != nil {
			return nil, err
		}
		ext.maxMessageSize = maxMessageSize
		transforms = append(transforms, ext)
	}

	if requireNegotiated && len(transforms) == 0 {
		return nil, ErrExtensionNegotiationFailed
	}
	return newExtensionPipeline(transforms), nil
}

// buildExtensionOffer renders the Sec-WebSocket-Extensions request header
// value for a dial, or "" if no extensions are enabled.
func buildExtensionOffer(opts PerMessageDeflateOptions) string {
	if !opts.Enabled {
		return ""
	}
	params := map[string]string{}
	if opts.ServerNoContextTakeover {
		params["server_no_context_takeover"] = ""
	}
	if opts.ClientNoContextTakeover {
		params["client_no_context_takeover"] = ""
	}
	if opts.ServerMaxWindowBits > 0 {
		params["server_max_window_bits"] = strconv.Itoa(opts.ServerMaxWindowBits)
	}
	if opts.ClientMaxWindowBits > 0 {
		params["client_max_window_bits"] = strconv.Itoa(opts.ClientMaxWindowBits)
	}
	return formatExtensionOffer(pmdExtensionToken, params)
}
