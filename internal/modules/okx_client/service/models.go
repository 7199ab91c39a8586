package service

// строки ответов OKX: числа приходят строками

type instrumentRow struct {
	InstID   string `json:"instId"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	CtVal    string `json:"ctVal"`
	CtMult   string `json:"ctMult"`
	State    string `json:"state"`
	MaxMktSz string `json:"maxMktSz"`

	CtType    string `json:"ctType"`    // "linear" / "inverse"
	SettleCcy string `json:"settleCcy"` // "USDT" или монета
	CtValCcy  string `json:"ctValCcy"`
}

type tickerRow struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
}

type orderAckRow struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type pendingOrderRow struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	State   string `json:"state"`
	CTime   string `json:"cTime"`
}

type pendingAlgoRow struct {
	InstID      string `json:"instId"`
	AlgoID      string `json:"algoId"`
	AlgoClOrdID string `json:"algoClOrdId"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
	Sz          string `json:"sz"`
	State       string `json:"state"`
	CTime       string `json:"cTime"`
}

type fillRow struct {
	TradeID string `json:"tradeId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	FillPx  string `json:"fillPx"`
	FillSz  string `json:"fillSz"`
	Ts      string `json:"ts"`
}

type positionRow struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	Last    string `json:"last"`
	MgnMode string `json:"mgnMode"`
}

type balanceRow struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy     string `json:"ccy"`
		Eq      string `json:"eq"`
		AvailEq string `json:"availEq"`
	} `json:"details"`
}
