package fingerprint

import (
	"fmt"
	"strconv"
	"strings"

	tls "github.com/sardanioss/utls"
)

// JA3Extras carries the extension payloads a JA3 string cannot express.
// JA3 only records extension IDs; the data inside them (signature schemes,
// ALPN list, cert compression) still has to come from somewhere.
type JA3Extras struct {
	SignatureAlgorithms []tls.SignatureScheme
	ALPN                []string
	CertCompAlgs        []tls.CertCompressionAlgo
	PermuteExtensions   bool
	RecordSizeLimit     uint16
}

func defaultJA3Extras() *JA3Extras {
	return &JA3Extras{
		SignatureAlgorithms: []tls.SignatureScheme{
			tls.ECDSAWithP256AndSHA256,
			tls.PSSWithSHA256,
			tls.PKCS1WithSHA256,
			tls.ECDSAWithP384AndSHA384,
			tls.PSSWithSHA384,
			tls.PKCS1WithSHA384,
			tls.PSSWithSHA512,
			tls.PKCS1WithSHA512,
		},
		ALPN:            []string{"h2", "http/1.1"},
		CertCompAlgs:    []tls.CertCompressionAlgo{tls.CertCompressionBrotli},
		RecordSizeLimit: 0x4001,
	}
}

// isGREASE reports whether v is a TLS GREASE value (RFC 8701).
func isGREASE(v uint16) bool {
	return (v & 0x0f0f) == 0x0a0a
}

// ParseJA3 builds a utls.ClientHelloSpec from a JA3 string
// (TLSVersion,Ciphers,Extensions,Curves,PointFormats; dash-separated decimal
// values per field). A nil extras uses Chrome-like defaults; a partially
// filled extras has the missing fields defaulted, since empty extension
// payloads fail handshakes.
func ParseJA3(ja3 string, extras *JA3Extras) (*tls.ClientHelloSpec, error) {
	if extras == nil {
		extras = defaultJA3Extras()
	} else {
		merged := *extras
		extras = &merged
		defaults := defaultJA3Extras()
		if len(extras.SignatureAlgorithms) == 0 {
			extras.SignatureAlgorithms = defaults.SignatureAlgorithms
		}
		if len(extras.ALPN) == 0 {
			extras.ALPN = defaults.ALPN
		}
		if len(extras.CertCompAlgs) == 0 {
			extras.CertCompAlgs = defaults.CertCompAlgs
		}
		if extras.RecordSizeLimit == 0 {
			extras.RecordSizeLimit = defaults.RecordSizeLimit
		}
	}

	parts := strings.Split(ja3, ",")
	if len(parts) != 5 {
		return nil, fmt.Errorf("ja3: expected 5 comma-separated fields, got %d", len(parts))
	}

	tlsVersion, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid TLS version %q: %w", parts[0], err)
	}

	cipherSuites, err := parseDashedValues(parts[1], 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid cipher suites: %w", err)
	}
	var ciphers []uint16
	for _, cs := range cipherSuites {
		if !isGREASE(cs) {
			ciphers = append(ciphers, cs)
		}
	}

	extensionIDs, err := parseDashedValues(parts[2], 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid extensions: %w", err)
	}

	curveIDs, err := parseDashedValues(parts[3], 16)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid elliptic curves: %w", err)
	}
	var curves []tls.CurveID
	for _, c := range curveIDs {
		if !isGREASE(c) {
			curves = append(curves, tls.CurveID(c))
		}
	}

	formats, err := parseDashedValues(parts[4], 8)
	if err != nil {
		return nil, fmt.Errorf("ja3: invalid point formats: %w", err)
	}
	pointFormats := make([]uint8, len(formats))
	for i, f := range formats {
		pointFormats[i] = uint8(f)
	}

	var extensions []tls.TLSExtension
	for _, id := range extensionIDs {
		if isGREASE(id) {
			extensions = append(extensions, &tls.UtlsGREASEExtension{})
			continue
		}
		extensions = append(extensions, extensionForID(id, extras, curves, pointFormats))
	}

	// The ClientHello version field is 0x0303 even for TLS 1.3 clients (the
	// real version lives in supported_versions), so bump the max when ext 43
	// is present. Min stays at 1.2: modern servers reject 1.0/1.1.
	minVersion := uint16(tls.VersionTLS12)
	maxVersion := uint16(tlsVersion)
	for _, id := range extensionIDs {
		if id == 43 {
			maxVersion = tls.VersionTLS13
			break
		}
	}
	if maxVersion < tls.VersionTLS10 {
		maxVersion = tls.VersionTLS12
	}

	// Chrome 106+ shuffles extension order to fight ossification.
	if extras.PermuteExtensions {
		extensions = tls.ShuffleChromeTLSExtensions(extensions)
	}

	return &tls.ClientHelloSpec{
		TLSVersMin:         minVersion,
		TLSVersMax:         maxVersion,
		CipherSuites:       ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         extensions,
	}, nil
}

// extensionForID maps a raw extension ID to its utls extension type.
func extensionForID(id uint16, extras *JA3Extras, curves []tls.CurveID, pointFormats []uint8) tls.TLSExtension {
	switch id {
	case 0: // server_name
		return &tls.SNIExtension{}
	case 5: // status_request
		return &tls.StatusRequestExtension{}
	case 10: // supported_groups
		return &tls.SupportedCurvesExtension{Curves: curves}
	case 11: // ec_point_formats
		return &tls.SupportedPointsExtension{SupportedPoints: pointFormats}
	case 13: // signature_algorithms
		return &tls.SignatureAlgorithmsExtension{
			SupportedSignatureAlgorithms: extras.SignatureAlgorithms,
		}
	case 16: // ALPN
		return &tls.ALPNExtension{AlpnProtocols: extras.ALPN}
	case 17: // status_request_v2
		return &tls.StatusRequestV2Extension{}
	case 18: // signed_certificate_timestamp
		return &tls.SCTExtension{}
	case 21: // padding
		return &tls.UtlsPaddingExtension{GetPaddingLen: tls.BoringPaddingStyle}
	case 23: // extended_master_secret
		return &tls.UtlsExtendedMasterSecretExtension{}
	case 27: // compress_certificate
		return &tls.UtlsCompressCertExtension{Algorithms: extras.CertCompAlgs}
	case 28: // record_size_limit
		limit := extras.RecordSizeLimit
		if limit == 0 {
			limit = 0x4001
		}
		return &tls.FakeRecordSizeLimitExtension{Limit: limit}
	case 34: // delegated_credentials
		return &tls.DelegatedCredentialsExtension{
			SupportedSignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.ECDSAWithP521AndSHA512,
				tls.ECDSAWithSHA1,
			},
		}
	case 35: // session_ticket
		return &tls.SessionTicketExtension{}
	case 41: // pre_shared_key; payload filled in during the handshake
		return &tls.UtlsPreSharedKeyExtension{}
	case 43: // supported_versions
		return &tls.SupportedVersionsExtension{
			Versions: []uint16{tls.VersionTLS13, tls.VersionTLS12},
		}
	case 44: // cookie
		return &tls.CookieExtension{}
	case 45: // psk_key_exchange_modes
		return &tls.PSKKeyExchangeModesExtension{Modes: []uint8{tls.PskModeDHE}}
	case 50: // signature_algorithms_cert
		// Browsers advertise a broader list for chain verification than for
		// handshake signatures, including legacy algorithms.
		return &tls.SignatureAlgorithmsCertExtension{
			SupportedSignatureAlgorithms: []tls.SignatureScheme{
				tls.ECDSAWithP256AndSHA256,
				tls.PSSWithSHA256,
				tls.PKCS1WithSHA256,
				tls.ECDSAWithP384AndSHA384,
				tls.PSSWithSHA384,
				tls.PKCS1WithSHA384,
				tls.PSSWithSHA512,
				tls.PKCS1WithSHA512,
				tls.PKCS1WithSHA1,
			},
		}
	case 51: // key_share
		// Real browsers generate a key share only for the preferred curve;
		// shares for every curve is a detectable signal. The server falls
		// back to HelloRetryRequest when it wants a different group.
		var keyShares []tls.KeyShare
		for _, curve := range curves {
			if !isGREASE(uint16(curve)) {
				keyShares = append(keyShares, tls.KeyShare{Group: curve})
				break
			}
		}
		return &tls.KeyShareExtension{KeyShares: keyShares}
	case 17513: // application_settings (ALPS)
		return &tls.ApplicationSettingsExtension{SupportedProtocols: extras.ALPN}
	case 65037: // encrypted_client_hello
		// Zero fields make the GREASE ECH extension self-generate its
		// cipher suite and payload length.
		return &tls.GREASEEncryptedClientHelloExtension{}
	case 65281: // renegotiation_info
		return &tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient}
	default:
		return &tls.GenericExtension{Id: id}
	}
}

// parseDashedValues parses a dash-separated list of decimal values with the
// given bit size (8 or 16).
func parseDashedValues(s string, bits int) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}
