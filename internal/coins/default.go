package coins

// defaultPorts is the built-in coin table used when no coins file is configured.
var defaultPorts = []CoinPort{
	{Port: 18081, Symbol: PrimarySymbol, Format: BlobCryptonote, Algorithm: "rx/0", WalletPort: 18082},
	{Port: 11181, Symbol: "AEON", Format: BlobAeon, Algorithm: "k12"},
	{Port: 11898, Symbol: "TRTL", Format: BlobForknote2, Algorithm: "argon2/chukwav2"},
	{Port: 12211, Symbol: "RYO", Format: BlobCryptonoteRyo, Algorithm: "cn/gpu"},
	{Port: 13102, Symbol: "XTA", Format: BlobCuckooXTA, Algorithm: "c29i"},
	{Port: 17750, Symbol: "XHV", Format: BlobHaven, Algorithm: "cn-heavy/xhv"},
	{Port: 19734, Symbol: "SUMO", Format: BlobCryptonote, Algorithm: "cn/r"},
	{Port: 19950, Symbol: "XWP", Format: BlobCuckoo, Algorithm: "c29s"},
	{Port: 20206, Symbol: "DERO", Format: BlobDero, Algorithm: "astrobwt",
		TimestampDivisor: 1000, DifficultyMultiplier: 10, AllowZeroReward: true},
	{Port: 22023, Symbol: "LOKI", Format: BlobCryptonoteLoki, Algorithm: "rx/loki"},
	{Port: 25182, Symbol: "TUBE", Format: BlobCuckooTube, Algorithm: "c29b"},
	{Port: 34568, Symbol: "WOW", Format: BlobCryptonote, Algorithm: "rx/wow"},
	{Port: 38081, Symbol: "MSR", Format: BlobCryptonote3, Algorithm: "cn/half"},
	{Port: 8766, Symbol: "RVN", Format: BlobRaven, Algorithm: "kawpow"},
	{Port: 9998, Symbol: "RTM", Format: BlobRaptoreum, Algorithm: "ghostrider"},
	{Port: 8545, Symbol: "ETH", Format: BlobEthereum, Algorithm: "ethash", BaseReward: "2000000000000000000"},
	{Port: 8645, Symbol: "ETC", Format: BlobEthereum, Algorithm: "etchash", BaseReward: "2560000000000000000"},
	{Port: 9053, Symbol: "ERG", Format: BlobErgo, Algorithm: "autolykos2", TimestampDivisor: 1000},
}

// Default returns the built-in registry. It has no merged mining relations.
func Default() *Registry {
	r, err := New(defaultPorts, nil)
	if err != nil {
		panic("coins: built-in table is invalid: " + err.Error())
	}
	return r
}
