package extractor

import "github.com/MikeSquared-Agency/switchboard/internal/model"

// Exchange is one completed turn: the user's message and the agent's reply.
type Exchange struct {
	ConversationID string
	Scope          string
	SpeakerName    string
	UserMessage    string
	Response       string
}

// Item is one extracted statement with the model's importance score.
type Item struct {
	Content    string `json:"content"`
	Importance int    `json:"importance"`
}

// Result holds everything extracted from one exchange.
type Result struct {
	ConversationID string
	Summary        *Item
	KeyPoints      []Item
	Decisions      []Item
}

// Fragments converts the result into unsaved memory fragments. Blank items are dropped.
func (r *Result) Fragments() []model.Fragment {
	var out []model.Fragment
	add := func(kind model.FragmentKind, it Item) {
		if it.Content == "" {
			return
		}
		out = append(out, model.Fragment{
			ConversationID: r.ConversationID,
			Kind:           kind,
			Content:        it.Content,
			Importance:     it.Importance,
		})
	}
	if r.Summary != nil {
		add(model.FragmentSummary, *r.Summary)
	}
	for _, it := range r.KeyPoints {
		add(model.FragmentKeyPoint, it)
	}
	for _, it := range r.Decisions {
		add(model.FragmentDecision, it)
	}
	return out
}
