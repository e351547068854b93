package router

// #region mode

// Mode is the execution tier selected for a request.
type Mode string

const (
	ModeNoLLM    Mode = "NO_LLM"
	ModeMiniOnly Mode = "MINI_ONLY"
	ModeFullLLM  Mode = "FULL_LLM"
)

// #endregion

// #region handler

// Handler names the deterministic responder used when Mode is NO_LLM.
type Handler string

const (
	HandlerNeedMoreInfo Handler = "need_more_info"
	HandlerStaticFAQ    Handler = "static_faq"
	HandlerOffTopic     Handler = "off_topic"
)

// #endregion

// #region route

// Route identifies the calling surface.
type Route string

const (
	RouteChat        Route = "chat"
	RouteChatStream  Route = "chat_stream"
	RouteDeckAnalyze Route = "deck_analyze"
)

// #endregion

// #region request

// Request is everything the gate may look at. No field is fetched lazily.
type Request struct {
	Text            string `json:"text"`
	HasDeckContext  bool   `json:"hasDeckContext"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Route           Route  `json:"route"`
	NearBudgetCap   bool   `json:"nearBudgetCap"`
}

// #endregion

// #region decision

// Decision is the gate output. Handler is set only for NO_LLM; Model and
// MaxTokens only for MINI_ONLY.
type Decision struct {
	Mode      Mode    `json:"mode"`
	Reason    string  `json:"reason"`
	Handler   Handler `json:"handler,omitempty"`
	Model     string  `json:"model,omitempty"`
	MaxTokens int     `json:"max_tokens,omitempty"`
}

// #endregion

// #region rule

// Rule pairs a predicate with the decision it produces.
type Rule struct {
	Name    string
	Match   func(in Input) bool
	Outcome Decision
}

// Input is the normalized form of a Request that rules match against.
type Input struct {
	Request
	Trimmed string // whitespace-trimmed original text
	Lower   string // trimmed, lowercased text
}

// #endregion
