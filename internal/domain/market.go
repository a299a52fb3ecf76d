package domain

// DerivativeMarket is the metadata needed to open a position on a perpetual
// market.
type DerivativeMarket struct {
	Symbol         string `json:"symbol"`
	MarketToken    string `json:"market_token"`
	IndexToken     string `json:"index_token"`
	LongToken      string `json:"long_token"`
	ShortToken     string `json:"short_token"`
	IsListed       bool   `json:"is_listed"`
	MaxLeverageBps int64  `json:"max_leverage_bps,omitempty"`
}
