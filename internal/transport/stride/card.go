package stride

import kit "travistride/internal/transport"

// Stride document format. Only the nodes the build card uses are modelled.

type Icon struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}

type Document struct {
	Version int    `json:"version"`
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

type Node struct {
	Type  string    `json:"type"`
	Attrs CardAttrs `json:"attrs"`
}

type CardAttrs struct {
	Text        string       `json:"text"`
	Link        CardLink     `json:"link"`
	Collapsible bool         `json:"collapsible"`
	Title       CardTitle    `json:"title"`
	Description CardText     `json:"description"`
	Details     []CardDetail `json:"details"`
	Context     CardContext  `json:"context"`
}

type CardLink struct {
	URL string `json:"url"`
}

type CardTitle struct {
	Text string   `json:"text"`
	User CardUser `json:"user"`
}

type CardUser struct {
	Icon Icon `json:"icon"`
}

type CardText struct {
	Text string `json:"text"`
}

type CardDetail struct {
	Icon    *Icon        `json:"icon,omitempty"`
	Text    string       `json:"text,omitempty"`
	Badge   *CardBadge   `json:"badge,omitempty"`
	Lozenge *CardLozenge `json:"lozenge,omitempty"`
	Title   string       `json:"title,omitempty"`
	Users   []CardUser   `json:"users,omitempty"`
}

type CardBadge struct {
	Value      int    `json:"value"`
	Max        int    `json:"max"`
	Appearance string `json:"appearance"`
}

type CardLozenge struct {
	Text       string `json:"text"`
	Appearance string `json:"appearance"`
}

type CardContext struct {
	Text string `json:"text"`
	Icon Icon   `json:"icon"`
}

// MessageBody is the JSON envelope the message endpoint expects.
type MessageBody struct {
	Body Document `json:"body"`
}

var (
	travisIcon = Icon{URL: "https://www.gravatar.com/avatar/c3c9338e575a73892b0f1257eb9ee997", Label: "Travis-CI"}
	strideIcon = Icon{URL: "https://image.ibb.co/fPPAB5/Stride_White_On_Blue.png", Label: "stride"}
)

// fixed decorative details shown under every build card
func cardDetails() []CardDetail {
	return []CardDetail{
		{Icon: &Icon{URL: "https://image.ibb.co/fUViW5/board.png", Label: "Issue type"}, Text: "Story"},
		{Badge: &CardBadge{Value: 101, Max: 99, Appearance: "important"}},
		{Lozenge: &CardLozenge{Text: "Nearly Complete", Appearance: "inprogress"}},
		{Title: "Watchers", Users: []CardUser{
			{Icon: Icon{URL: "https://www.gravatar.com/avatar/5db869c9686a1d191f99fc153c4d118c.jpg", Label: "Kitty"}},
			{Icon: Icon{URL: "https://www.gravatar.com/avatar/440f0328de63d671bf337779b4eece44.jpg", Label: "Puppy"}},
		}},
	}
}

// BuildCard renders a build as a single application card document.
func BuildCard(b kit.Build) MessageBody {
	b = b.WithDefaults()
	title := b.Title()
	return MessageBody{Body: Document{
		Version: 1,
		Type:    "doc",
		Content: []Node{{
			Type: "applicationCard",
			Attrs: CardAttrs{
				Text:        title,
				Link:        CardLink{URL: b.BuildURL},
				Collapsible: true,
				Title:       CardTitle{Text: title, User: CardUser{Icon: travisIcon}},
				Description: CardText{Text: b.Message},
				Details:     cardDetails(),
				Context:     CardContext{Text: "Stride Documentation / ... / Nodes", Icon: strideIcon},
			},
		}},
	}}
}
