package asn

// datacenterASNs lists known cloud/hosting/datacenter providers: AWS,
// GCP, Azure, DigitalOcean, Hetzner, OVH, Vultr, Linode, Oracle Cloud,
// SoftLayer, Alibaba Cloud, Tencent Cloud, Cloudflare, Fastly, Akamai,
// Scaleway, Contabo, Hostinger, GoDaddy, DreamHost, Rackspace, UpCloud,
// Kamatera, LeaseWeb, Hostwinds, netcup, Psychz, QuadraNet,
// ColoCrossing, FranTech/BuyVM, Ionos, Cherry Servers, Servers.com,
// Zenlayer and related ranges.
var datacenterASNs = []uint32{
	14618, 16509, 7224, 8987, 38895, // AWS
	15169, 396982, 36040, // Google Cloud / YouTube
	8075, 8068, 3598, // Microsoft Azure
	14061, 393406, 202018, // DigitalOcean
	24940, 213230, // Hetzner
	16276, 35540, // OVH
	20473,  // Vultr
	63949,  // Akamai Connected Cloud (Linode)
	31898,  // Oracle Cloud
	36351,  // SoftLayer
	45102, 37963, // Alibaba Cloud
	45090, 132203, // Tencent Cloud
	13335,  // Cloudflare
	54113,  // Fastly
	20940, 16625, // Akamai
	12876,  // Online S.a.s / Scaleway
	51167,  // Contabo
	47583,  // Hostinger
	26496,  // GoDaddy
	26347,  // DreamHost
	33070, 19994, // Rackspace
	202053, // UpCloud
	36007,  // Kamatera
	60781, 28753, // LeaseWeb
	54290,  // Hostwinds
	197540, // netcup
	40676,  // Psychz Networks
	8100,   // QuadraNet
	36352,  // ColoCrossing
	53667,  // FranTech Solutions (BuyVM)
	8560,   // Ionos SE
	59642,  // Cherry Servers
	209102, // Servers.com
	21859,  // Zenlayer
}

// residentialProxyASNs lists ASNs associated with known residential
// proxy networks (Bright Data, IPXO, NetNut, Oxylabs, Smartproxy,
// GeoSurf, PacketStream, IPRoyal, Storm Proxies, Proxy-Seller,
// Shifter/Microleaves).
var residentialProxyASNs = []uint32{
	9009, 202425, 62240, // Bright Data / Clouvider
	208258, // IPXO
	44724,  // NetNut
	62282,  // Oxylabs
	47764,  // Smartproxy
	200019, // GeoSurf
	399486, // PacketStream
	210037, // IPRoyal
	46844,  // Storm Proxies
	211298, // Proxy-Seller
	35916,  // Multacom (Shifter/Microleaves)
}

// vpnASNs lists known VPN provider ASNs.
var vpnASNs = []uint32{
	212238, // NordVPN / Nord Security
	209854, // ExpressVPN International
	198093, // Mullvad VPN
	55286,  // Private Internet Access
	209611, // Surfshark
	209641, // ProtonVPN
	206264, // CyberGhost
	33438,  // IPVanish
	204957, // Windscribe
	394536, // TunnelBear
}

// mobileCarrierASNs lists known mobile carrier ASNs globally, with
// extra coverage for Turkey.
var mobileCarrierASNs = []uint32{
	9121, 15897, 47331, 34984, // Turkcell, Vodafone TR, Turk Telekom, Superonline
	7018, 22394, 21928, // AT&T, Verizon Wireless, T-Mobile USA
	12576, 25135, 23415, // EE, Vodafone UK, Three UK
	31334, 16232, // Vodafone Germany, Telekom Deutschland
	55836, 45609, 24560, // Reliance Jio, Bharti Airtel, Airtel broadband
	26599, 28573, // Telefonica Brasil, Claro Brasil
	17974, // Telkomsel
	25159, // MTS
	17676, // SoftBank Mobile
	3786,  // LG Uplus
	6167,  // Verizon Business
}
