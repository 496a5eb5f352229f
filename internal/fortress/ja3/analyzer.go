package ja3

import "github.com/Egida/fortress/internal/fortress/model"

// Analyzer scores a request's JA3 hash against a table of known
// scanning/DDoS/bot-framework tools. An unmatched hash is neutral —
// not matching a known browser fingerprint is not evidence of
// malicious intent, since browser JA3 hashes shift with every
// version release.
type Analyzer struct {
	knownBotJA3 map[string]string
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{knownBotJA3: buildKnownBotTable()}
}

// Analyze scores ja3Hash; score is 0 and flagged is false when the
// hash is empty or unrecognized.
func (a *Analyzer) Analyze(ja3Hash string) (score float64, reason model.ThreatReason, flagged bool) {
	if ja3Hash == "" {
		return 0, model.ReasonNone, false
	}
	tool, ok := a.knownBotJA3[ja3Hash]
	if !ok {
		return 0, model.ReasonNone, false
	}
	switch tool {
	case "scrapy", "python-urllib", "go-http-default", "java-http-default",
		"libwww-perl", "ruby-net-http", "php-curl-default":
		return 50.0, model.ReasonFingerprint, true
	default:
		return 70.0, model.ReasonFingerprint, true
	}
}

func buildKnownBotTable() map[string]string {
	return map[string]string{
		"ac12bfa41cbedb29f06c412c81a0a2f9": "wrk",
		"9e10692f1b7f78228b2d4e424db3a98c": "slowhttptest",
		"3b5074b1b5d032e5620f69f9f700ff0e": "hping3",

		"e7d705a3286e19ea42f587b344ee6865": "nikto",
		"2d16a9b213d5e23e06625aa875f5b025": "sqlmap",
		"b6b8a4b48c2e3e9c95e87536f6e3f6a6": "nmap",
		"d773e1e0c2fabe35c8c5e5f7bb5a2e1a": "nuclei",
		"fd4bc6cea4877646ccd62f0e05ea104f": "zgrab2",
		"51c64c77e60f3980eea90869b68c58a8": "masscan",
		"a0e9f5d64349fb13191bc781f81f42e1": "dirsearch",
		"f0967e45bb8a4d1e86c17f00f970f01a": "gobuster",
		"f436b9416f37d134cadd04886327d3e8": "ffuf",
		"3c5af8f8105e0253cff2e2a1c8d5b6fe": "wfuzz",
		"a7d2ddbe2c4b2b8506b23dbb67a4e3ca": "hydra",
		"5c1d7a09ed12e120c6d7c2e98b20ab6c": "medusa",
		"b32309a26951912be7dba376398abc3b": "metasploit",
		"ec74a5c51106f0419184d0dd08fb05bc": "burp-suite",
		"bc85e5e0b3dbe1d59e0e07e2b0fb3d52": "owasp-zap",
		"c7ecb94ed5b8e52c11e6dcf1eeb22a1a": "openvas",
		"4c3a62a0e0b4a4cc0d1d2f5f3a2c96d8": "dirbuster",
		"1a1be2ea6f5e7b8c1d9e0f3a4b5c6d7e": "wpscan",
		"8a2b3c4d5e6f7081a2b3c4d5e6f70819": "nessus",

		"e35c7b2e5a6d4f8b0c9d2e1f3a4b5c6d": "goldeneye",
		"d4e5f6071829a3b4c5d6e7f80192a3b4": "hulk",
		"f8e7d6c5b4a39281f0e9d8c7b6a59483": "slowloris-tool",
		"2a3b4c5d6e7f80192a3b4c5d6e7f8019": "siege",
		"7f8e9d0c1b2a3948f7e6d5c4b3a29180": "ab-bench",
		"1d2e3f4051627384a9b8c7d6e5f40312": "locust",
		"b3a291807f6e5d4c3b2a19087f6e5d4c": "rudy",
		"c4d5e6f70819a2b3c4d5e6f708192a3b": "torshammer",
		"5e6f70819a2b3c4d5e6f708192a3b4c5": "xerxes",
		"70819a2b3c4d5e6f708192a3b4c5d6e7": "loic",

		"2ad2b325a2c47a3369bc0ec7d0a59740": "scrapy",
		"4817a6e8f4a6c2fb5d0d2e3e1f0a5b4c": "python-urllib",
		"bd0bf25947d4a37404f0424edf4db9ad": "go-http-default",
		"cd08e31494f9531f560d64c695473da9": "java-http-default",
		"86c750e7a5c891a62655e5e3a4d1b1e6": "libwww-perl",
		"a3cf48e2c038f23a4f2d1e0b9c8d7e6f": "ruby-net-http",
		"9d8c7b6a5f4e3d2c1b0a9f8e7d6c5b4a": "php-curl-default",
	}
}
