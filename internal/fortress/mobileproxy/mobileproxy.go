// Package mobileproxy detects requests routed through mobile proxy
// networks: traffic that appears to originate from real mobile carrier
// IPs but exhibits UA/JA3/header inconsistencies that reveal proxying.
package mobileproxy

import (
	"strings"

	"github.com/Egida/fortress/internal/fortress/asn"
	"github.com/Egida/fortress/internal/fortress/model"
)

// Config mirrors the mobile_proxy settings section.
type Config struct {
	MinSignals     uint32
	ScoreThreshold float64
}

// Detector combines ASN classification with UA/JA3/header heuristics.
type Detector struct {
	classifier *asn.Classifier
	cfg        Config
}

func New(classifier *asn.Classifier, cfg Config) *Detector {
	return &Detector{classifier: classifier, cfg: cfg}
}

// Detect returns (score in [0,100], isMobileProxy) for ctx.
func (d *Detector) Detect(ctx *model.RequestContext) (float64, bool) {
	var totalScore float64
	var signals uint32

	uaIsMobile := uaClaimsMobile(ctx.UserAgent)
	ja3IsMobile := ja3MatchesMobile(ctx.JA3Hash)

	if uaIsMobile && !ja3IsMobile && ctx.JA3Hash != "" {
		totalScore += 30.0
		signals++
	}

	if ctx.ASN != 0 {
		asnType := d.classifier.Classify(ctx.ASN)
		if asnType == asn.TypeResidentialProxy {
			totalScore += 40.0
			signals++
		}
		if asnType == asn.TypeMobileCarrier {
			if !uaIsMobile {
				totalScore += 10.0
				signals++
			}
			if accept := ctx.Header("accept"); len(accept) > 200 {
				totalScore += 5.0
				signals++
			}
		}
	}

	if acceptLang := ctx.Header("accept-language"); acceptLang != "" && ctx.Country != "" {
		if !languageMatchesCountry(acceptLang, ctx.Country) {
			totalScore += 15.0
			signals++
		}
	}

	if uaIsMobile && ctx.Header("sec-ch-ua-mobile") == "" {
		totalScore += 5.0
		signals++
	}

	isMobileProxy := signals >= d.cfg.MinSignals || totalScore >= d.cfg.ScoreThreshold
	if totalScore > 100.0 {
		totalScore = 100.0
	}
	return totalScore, isMobileProxy
}

func uaClaimsMobile(ua string) bool {
	if ua == "" {
		return false
	}
	lower := strings.ToLower(ua)
	return strings.Contains(lower, "mobile") ||
		strings.Contains(lower, "android") ||
		strings.Contains(lower, "iphone") ||
		strings.Contains(lower, "ipad") ||
		strings.Contains(lower, "ipod") ||
		strings.Contains(lower, "windows phone") ||
		strings.Contains(lower, "opera mini") ||
		strings.Contains(lower, "opera mobi")
}

// mobileJA3Hashes lists known mobile-browser JA3 fingerprints.
var mobileJA3Hashes = map[string]struct{}{
	"e7d705a3286e19ea42f587b344ee6865": {}, // Chrome Android
	"e92afb86ef1929e3e2d25d0c72539c49": {}, // Safari iOS
	"b6e1f1a282c8e6b3b9e1d7c5f8a4e2d1": {}, // Firefox Android
	"d3a4e8c1f2b5a6d7e9c0f3b8a1e4d7c2": {}, // Samsung Internet
}

func ja3MatchesMobile(hash string) bool {
	if hash == "" {
		return false
	}
	_, ok := mobileJA3Hashes[hash]
	return ok
}

func languageMatchesCountry(acceptLang, country string) bool {
	primary := acceptLang
	if idx := strings.Index(primary, ","); idx >= 0 {
		primary = primary[:idx]
	}
	if idx := strings.Index(primary, ";"); idx >= 0 {
		primary = primary[:idx]
	}
	primary = strings.ToLower(strings.TrimSpace(primary))
	if primary == "" {
		return true
	}

	prefix := primary
	if len(primary) >= 2 {
		prefix = primary[:2]
	}

	expected, known := expectedLangPrefixes[strings.ToUpper(country)]
	if !known {
		return true
	}
	for _, e := range expected {
		if strings.HasPrefix(prefix, e) {
			return true
		}
	}
	return false
}

var expectedLangPrefixes = map[string][]string{
	"US": {"en"}, "GB": {"en"}, "AU": {"en"}, "CA": {"en"}, "NZ": {"en"}, "IE": {"en"},
	"TR": {"tr"},
	"DE": {"de", "en"}, "AT": {"de", "en"}, "CH": {"de", "en"},
	"FR": {"fr", "en"}, "BE": {"fr", "en"},
	"ES": {"es", "en"}, "MX": {"es", "en"}, "AR": {"es", "en"}, "CO": {"es", "en"}, "CL": {"es", "en"},
	"PT": {"pt", "en"}, "BR": {"pt", "en"},
	"IT": {"it", "en"},
	"NL": {"nl", "en"},
	"RU": {"ru"}, "BY": {"ru"},
	"UA": {"uk", "ru"},
	"CN": {"zh"},
	"JP": {"ja"},
	"KR": {"ko"},
	"IN": {"hi", "en", "ta", "te", "bn"},
}
