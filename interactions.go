package engage

import "context"

// Interactions performs toggle interactions optimistically against the REST
// API.
type Interactions struct {
	client   *Client
	optimist *Optimist
}

// NewInteractions creates the interaction surface over client.
func NewInteractions(client *Client, optimist *Optimist) *Interactions {
	return &Interactions{client: client, optimist: optimist}
}

// Like toggles the like of a post.
func (i *Interactions) Like(ctx context.Context, postID string) (ToggleState, error) {
	return i.toggle(ctx, ToggleKey{Kind: InteractionLike, EntityID: postID})
}

// Save toggles the bookmark of a post.
func (i *Interactions) Save(ctx context.Context, postID string) (ToggleState, error) {
	return i.toggle(ctx, ToggleKey{Kind: InteractionSave, EntityID: postID})
}

// Repost toggles the repost of a post.
func (i *Interactions) Repost(ctx context.Context, postID string) (ToggleState, error) {
	return i.toggle(ctx, ToggleKey{Kind: InteractionRepost, EntityID: postID})
}

// Follow toggles following a user.
func (i *Interactions) Follow(ctx context.Context, userID string) (ToggleState, error) {
	return i.toggle(ctx, ToggleKey{Kind: InteractionFollow, EntityID: userID})
}

// Block toggles blocking a user.
func (i *Interactions) Block(ctx context.Context, userID string) (ToggleState, error) {
	return i.toggle(ctx, ToggleKey{Kind: InteractionBlock, EntityID: userID})
}

// Seed records server state, e.g. a post's like count and whether the
// current user liked it.
func (i *Interactions) Seed(kind Interaction, entityID string, state ToggleState) {
	i.optimist.Seed(ToggleKey{Kind: kind, EntityID: entityID}, state)
}

// State returns the displayed state of a toggle.
func (i *Interactions) State(kind Interaction, entityID string) ToggleState {
	return i.optimist.State(ToggleKey{Kind: kind, EntityID: entityID})
}

func (i *Interactions) toggle(ctx context.Context, key ToggleKey) (ToggleState, error) {
	return i.optimist.Toggle(ctx, key, func(ctx context.Context, active bool) error {
		return i.client.SetInteraction(ctx, key, active)
	})
}
