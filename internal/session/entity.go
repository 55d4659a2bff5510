package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/internal/video"
)

// Default image options used when the caller leaves a field empty.
const (
	DefaultImageStyle   = "vivid"
	DefaultImageSize    = "1024x1024"
	DefaultImageQuality = "standard"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ExtractCharacters derives character elements from the current story. An
// element keeps its id across calls as long as its name is unchanged, so
// history lookups stay valid.
func (s *Session) ExtractCharacters() []types.WorldElement {
	s.mu.Lock()
	story := s.currentStoryLocked()
	if story == nil {
		s.mu.Unlock()
		return []types.WorldElement{}
	}
	chars, _, changed := s.syncElementsLocked(story)
	out := cloneElements(chars)
	s.mu.Unlock()

	if changed {
		s.autosave(context.Background())
	}
	return out
}

// ExtractLocations derives location elements from the current story.
func (s *Session) ExtractLocations() []types.WorldElement {
	s.mu.Lock()
	story := s.currentStoryLocked()
	if story == nil {
		s.mu.Unlock()
		return []types.WorldElement{}
	}
	_, locs, changed := s.syncElementsLocked(story)
	out := cloneElements(locs)
	s.mu.Unlock()

	if changed {
		s.autosave(context.Background())
	}
	return out
}

// ExtractScenes derives scene slots from the current story. A slot keeps its
// id while the story scene at its index keeps its title. Characters and
// locations named by each scene are extracted and assigned to it, except
// those unassigned from it by hand.
func (s *Session) ExtractScenes() []types.SceneSlot {
	s.mu.Lock()
	story := s.currentStoryLocked()
	if story == nil {
		s.mu.Unlock()
		return []types.SceneSlot{}
	}
	_, _, changed := s.syncElementsLocked(story)

	slots := make([]*types.SceneSlot, 0, len(story.Scenes))
	for i, sc := range story.Scenes {
		derived := s.sceneElementsLocked(sc)
		slot := s.findSlotLocked(i, sc.Title)
		if slot == nil {
			slot = &types.SceneSlot{
				ID:         types.NewSceneID(),
				SceneIndex: i,
				Title:      sc.Title,
				Status:     types.SlotPending,
				Elements:   []types.ElementID{},
			}
			changed = true
		}
		if slot.Description != sc.Description || slot.Dialog != sc.Dialog || slot.Action != sc.Action || slot.Location != sc.Location {
			slot.Description = sc.Description
			slot.Dialog = sc.Dialog
			slot.Action = sc.Action
			slot.Location = sc.Location
			changed = true
		}
		for _, id := range derived {
			if !slot.HasElement(id) && !slices.Contains(slot.Unassigned, id) {
				slot.Elements = append(slot.Elements, id)
				changed = true
			}
		}
		slots = append(slots, slot)
	}
	if len(slots) != len(s.scenes) {
		changed = true
	}
	s.scenes = slots
	if changed {
		s.touchLocked()
	}
	out := make([]types.SceneSlot, len(slots))
	for i, sl := range slots {
		out[i] = sl.Clone()
	}
	s.mu.Unlock()

	if changed {
		s.autosave(context.Background())
	}
	return out
}

// syncElementsLocked upserts the story's characters and locations and returns
// them in story order.
func (s *Session) syncElementsLocked(story *types.StoryVersion) (chars, locs []*types.WorldElement, changed bool) {
	upsert := func(name, description string, typ types.ElementType) *types.WorldElement {
		if e := s.findElementByNameLocked(name, typ); e != nil {
			if description != "" && e.Description != description {
				e.Description = description
				e.UpdatedAt = s.now()
				changed = true
			}
			return e
		}
		now := s.now()
		e := &types.WorldElement{
			ID:        types.NewElementID(),
			Name:      strings.TrimSpace(name),
			Type:      typ,
			Profile:   types.Profile{Description: description},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.elements = append(s.elements, e)
		changed = true
		return e
	}

	for _, c := range story.Characters {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		chars = append(chars, upsert(c.Name, c.Description, types.ElementCharacter))
	}
	for _, l := range story.Locations {
		if strings.TrimSpace(l.Name) == "" {
			continue
		}
		locs = append(locs, upsert(l.Name, l.Description, types.ElementLocation))
	}
	if changed {
		s.touchLocked()
	}
	return chars, locs, changed
}

// sceneElementsLocked resolves the element ids a story scene names.
func (s *Session) sceneElementsLocked(sc types.StoryScene) []types.ElementID {
	var ids []types.ElementID
	for _, name := range sc.Characters {
		if e := s.findElementByNameLocked(name, types.ElementCharacter); e != nil {
			ids = append(ids, e.ID)
		}
	}
	if sc.Location != "" {
		if e := s.findElementByNameLocked(sc.Location, types.ElementLocation); e != nil {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (s *Session) findElementByNameLocked(name string, typ types.ElementType) *types.WorldElement {
	key := normalizeName(name)
	if key == "" {
		return nil
	}
	for _, e := range s.elements {
		if e.Type == typ && normalizeName(e.Name) == key {
			return e
		}
	}
	return nil
}

func (s *Session) findSlotLocked(index int, title string) *types.SceneSlot {
	key := normalizeName(title)
	for _, sl := range s.scenes {
		if sl.SceneIndex == index && normalizeName(sl.Title) == key {
			return sl
		}
	}
	return nil
}

func (s *Session) elementLocked(id types.ElementID) *types.WorldElement {
	for _, e := range s.elements {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *Session) sceneLocked(id types.SceneID) *types.SceneSlot {
	for _, sl := range s.scenes {
		if sl.ID == id {
			return sl
		}
	}
	return nil
}

// lookupElement finds an element, optionally restricted to one type.
// notFound is the message returned when it is missing or of the wrong type.
func (s *Session) lookupElementLocked(id types.ElementID, typ types.ElementType, notFound string) (*types.WorldElement, error) {
	e := s.elementLocked(id)
	if e == nil || (typ != "" && e.Type != typ) {
		return nil, types.NotFound(notFound)
	}
	return e, nil
}

// Elements returns every world element.
func (s *Session) Elements() []types.WorldElement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneElements(s.elements)
}

// Characters returns the character elements.
func (s *Session) Characters() []types.WorldElement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.WorldElement
	for _, e := range s.elements {
		if e.Type == types.ElementCharacter {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (s *Session) Element(id types.ElementID) (types.WorldElement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookupElementLocked(id, "", "Element not found")
	if err != nil {
		return types.WorldElement{}, err
	}
	return e.Clone(), nil
}

// Scenes returns the scene slots in story order.
func (s *Session) Scenes() []types.SceneSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SceneSlot, len(s.scenes))
	for i, sl := range s.scenes {
		out[i] = sl.Clone()
	}
	return out
}

func (s *Session) Scene(id types.SceneID) (types.SceneSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl := s.sceneLocked(id)
	if sl == nil {
		return types.SceneSlot{}, types.NotFound("Scene not found")
	}
	return sl.Clone(), nil
}

// EnhanceCharacter rewrites a character's description with the provider. The
// provider always receives the description captured before the first
// enhancement, never a previously enhanced text.
func (s *Session) EnhanceCharacter(ctx context.Context, id types.ElementID, prompt string) (types.WorldElement, error) {
	return s.enhanceElement(ctx, id, types.ElementCharacter, "Character not found", prompt)
}

// EnhanceElement enhances any world element.
func (s *Session) EnhanceElement(ctx context.Context, id types.ElementID, prompt string) (types.WorldElement, error) {
	return s.enhanceElement(ctx, id, "", "Element not found", prompt)
}

func (s *Session) enhanceElement(ctx context.Context, id types.ElementID, typ types.ElementType, notFound, prompt string) (types.WorldElement, error) {
	unlock := s.lockEntity(string(id))
	defer unlock()

	s.mu.Lock()
	e, err := s.lookupElementLocked(id, typ, notFound)
	if err != nil {
		s.mu.Unlock()
		return types.WorldElement{}, err
	}
	source := e.BeginEnhancement()
	s.mu.Unlock()

	text, err := s.gen.EnhanceDescription(ctx, source, prompt)
	if err != nil {
		return types.WorldElement{}, fmt.Errorf("enhance %s: %w", id, err)
	}

	s.mu.Lock()
	e, err = s.lookupElementLocked(id, typ, notFound)
	if err != nil {
		s.mu.Unlock()
		return types.WorldElement{}, err
	}
	now := s.now()
	e.ApplyEnhancement(text, prompt, now)
	e.UpdatedAt = now
	s.touchLocked()
	out := e.Clone()
	s.mu.Unlock()

	s.logger.Info("enhanced element", "element_id", string(id), "version", len(out.History))
	s.autosave(ctx)
	return out, nil
}

// EnhanceScene rewrites a scene's description, following the same capture
// rule as EnhanceCharacter.
func (s *Session) EnhanceScene(ctx context.Context, id types.SceneID, prompt string) (types.SceneSlot, error) {
	unlock := s.lockEntity(string(id))
	defer unlock()

	s.mu.Lock()
	sl := s.sceneLocked(id)
	if sl == nil {
		s.mu.Unlock()
		return types.SceneSlot{}, types.NotFound("Scene not found")
	}
	source := sl.BeginEnhancement()
	s.mu.Unlock()

	text, err := s.gen.EnhanceDescription(ctx, source, prompt)
	if err != nil {
		return types.SceneSlot{}, fmt.Errorf("enhance scene %s: %w", id, err)
	}

	s.mu.Lock()
	sl = s.sceneLocked(id)
	if sl == nil {
		s.mu.Unlock()
		return types.SceneSlot{}, types.NotFound("Scene not found")
	}
	sl.ApplyEnhancement(text, prompt, s.now())
	s.touchLocked()
	out := sl.Clone()
	s.mu.Unlock()

	s.logger.Info("enhanced scene", "scene_id", string(id), "version", len(out.History))
	s.autosave(ctx)
	return out, nil
}

func withImageDefaults(opts types.ImageOptions) types.ImageOptions {
	if opts.Style == "" {
		opts.Style = DefaultImageStyle
	}
	if opts.Size == "" {
		opts.Size = DefaultImageSize
	}
	if opts.Quality == "" {
		opts.Quality = DefaultImageQuality
	}
	return opts
}

func (s *Session) requestImage(ctx context.Context, description string, opts types.ImageOptions) (types.ElementImage, error) {
	res, err := s.gen.GenerateImage(ctx, description, opts)
	if err != nil {
		return types.ElementImage{}, err
	}
	if res == nil || res.ImageURL == "" {
		return types.ElementImage{}, &types.ProviderError{Op: "generate image", Message: "provider returned no image"}
	}
	return types.ElementImage{
		ID:            types.NewImageID(),
		URL:           res.ImageURL,
		RevisedPrompt: res.RevisedPrompt,
		Style:         opts.Style,
		Size:          opts.Size,
		Quality:       opts.Quality,
		CreatedAt:     s.now(),
	}, nil
}

// GenerateCharacterImage adds a new active image to a character.
func (s *Session) GenerateCharacterImage(ctx context.Context, id types.ElementID, opts types.ImageOptions) (types.WorldElement, error) {
	return s.generateElementImage(ctx, id, types.ElementCharacter, "Character not found", opts)
}

// GenerateElementImage adds a new active image to any world element.
func (s *Session) GenerateElementImage(ctx context.Context, id types.ElementID, opts types.ImageOptions) (types.WorldElement, error) {
	return s.generateElementImage(ctx, id, "", "Element not found", opts)
}

func (s *Session) generateElementImage(ctx context.Context, id types.ElementID, typ types.ElementType, notFound string, opts types.ImageOptions) (types.WorldElement, error) {
	unlock := s.lockEntity(string(id))
	defer unlock()

	opts = withImageDefaults(opts)
	s.mu.RLock()
	e, err := s.lookupElementLocked(id, typ, notFound)
	if err != nil {
		s.mu.RUnlock()
		return types.WorldElement{}, err
	}
	description := e.PromptSource()
	s.mu.RUnlock()

	img, err := s.requestImage(ctx, description, opts)
	if err != nil {
		return types.WorldElement{}, fmt.Errorf("generate image for %s: %w", id, err)
	}

	s.mu.Lock()
	e, err = s.lookupElementLocked(id, typ, notFound)
	if err != nil {
		s.mu.Unlock()
		return types.WorldElement{}, err
	}
	e.AddImage(img)
	e.UpdatedAt = img.CreatedAt
	s.touchLocked()
	out := e.Clone()
	s.mu.Unlock()

	s.logger.Info("generated element image", "element_id", string(id), "images", len(out.Images))
	s.autosave(ctx)
	return out, nil
}

// GenerateSceneImage adds a new active image to a scene, tracking the slot's
// generation status.
func (s *Session) GenerateSceneImage(ctx context.Context, id types.SceneID, opts types.ImageOptions) (types.SceneSlot, error) {
	unlock := s.lockEntity(string(id))
	defer unlock()

	opts = withImageDefaults(opts)
	s.mu.Lock()
	sl := s.sceneLocked(id)
	if sl == nil {
		s.mu.Unlock()
		return types.SceneSlot{}, types.NotFound("Scene not found")
	}
	sl.Status = types.SlotGenerating
	sl.Error = ""
	description := sl.PromptSource()
	s.mu.Unlock()

	img, genErr := s.requestImage(ctx, description, opts)

	s.mu.Lock()
	sl = s.sceneLocked(id)
	if sl == nil {
		s.mu.Unlock()
		return types.SceneSlot{}, types.NotFound("Scene not found")
	}
	if genErr != nil {
		sl.Status = types.SlotFailed
		sl.Error = genErr.Error()
	} else {
		sl.AddImage(img)
		sl.Status = types.SlotCompleted
	}
	s.touchLocked()
	out := sl.Clone()
	s.mu.Unlock()

	s.autosave(ctx)
	if genErr != nil {
		return out, fmt.Errorf("generate image for scene %s: %w", id, genErr)
	}
	s.logger.Info("generated scene image", "scene_id", string(id), "images", len(out.Images))
	return out, nil
}

// profileLocked finds the element or scene with the given id.
func (s *Session) profileLocked(entityID string) (*types.Profile, error) {
	if e := s.elementLocked(types.ElementID(entityID)); e != nil {
		return &e.Profile, nil
	}
	if sl := s.sceneLocked(types.SceneID(entityID)); sl != nil {
		return &sl.Profile, nil
	}
	return nil, types.NotFound("Entity not found")
}

// SetActiveImage makes imageID the sole active image of an element or scene.
func (s *Session) SetActiveImage(entityID string, imageID types.ImageID) error {
	unlock := s.lockEntity(entityID)
	defer unlock()

	s.mu.Lock()
	p, err := s.profileLocked(entityID)
	if err == nil {
		err = p.SetActiveImage(imageID)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.touchLocked()
	s.mu.Unlock()

	s.autosave(context.Background())
	return nil
}

// DeleteImage removes a non-active image from an element or scene.
func (s *Session) DeleteImage(entityID string, imageID types.ImageID) error {
	unlock := s.lockEntity(entityID)
	defer unlock()

	s.mu.Lock()
	p, err := s.profileLocked(entityID)
	if err == nil {
		err = p.DeleteImage(imageID)
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.touchLocked()
	s.mu.Unlock()

	s.autosave(context.Background())
	return nil
}

// CharacterHistory returns a character's version snapshots, oldest first.
func (s *Session) CharacterHistory(id types.ElementID) ([]types.Snapshot, error) {
	return s.elementHistory(id, types.ElementCharacter, "Character not found")
}

// ElementHistory returns any element's version snapshots.
func (s *Session) ElementHistory(id types.ElementID) ([]types.Snapshot, error) {
	return s.elementHistory(id, "", "Element not found")
}

func (s *Session) elementHistory(id types.ElementID, typ types.ElementType, notFound string) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookupElementLocked(id, typ, notFound)
	if err != nil {
		return nil, err
	}
	return append([]types.Snapshot{}, e.History...), nil
}

// SceneHistory returns a scene's version snapshots, oldest first.
func (s *Session) SceneHistory(id types.SceneID) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl := s.sceneLocked(id)
	if sl == nil {
		return nil, types.NotFound("Scene not found")
	}
	return append([]types.Snapshot{}, sl.History...), nil
}

// DeleteElement removes a world element, drops it from every scene it is
// assigned to and removes storyboard frames showing it. It returns the number
// of scenes that referenced it.
func (s *Session) DeleteElement(id types.ElementID) (int, error) {
	unlock := s.lockEntity(string(id))
	defer unlock()

	s.mu.Lock()
	idx := -1
	for i, e := range s.elements {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return 0, types.NotFound("Element not found")
	}
	s.elements = append(s.elements[:idx:idx], s.elements[idx+1:]...)

	affected := 0
	for _, sl := range s.scenes {
		if sl.RemoveElement(id) {
			affected++
		}
		sl.Unassigned = slices.DeleteFunc(sl.Unassigned, func(e types.ElementID) bool { return e == id })
	}
	if s.storyboard != nil {
		frames := s.storyboard.Frames[:0:0]
		for _, f := range s.storyboard.Frames {
			if f.SourceID != string(id) {
				frames = append(frames, f)
			}
		}
		s.storyboard.Frames = frames
	}
	s.touchLocked()
	s.mu.Unlock()

	s.logger.Info("deleted element", "element_id", string(id), "scenes", affected)
	s.autosave(context.Background())
	return affected, nil
}

// AssignElement adds an element to a scene's assigned elements.
func (s *Session) AssignElement(sceneID types.SceneID, elementID types.ElementID) error {
	s.mu.Lock()
	sl := s.sceneLocked(sceneID)
	if sl == nil {
		s.mu.Unlock()
		return types.NotFound("Scene not found")
	}
	if s.elementLocked(elementID) == nil {
		s.mu.Unlock()
		return types.NotFound("Element not found")
	}
	if sl.HasElement(elementID) {
		s.mu.Unlock()
		return nil
	}
	sl.Assign(elementID)
	s.touchLocked()
	s.mu.Unlock()

	s.autosave(context.Background())
	return nil
}

// UnassignElement removes an element from one scene only. Later scene
// extractions do not assign it back.
func (s *Session) UnassignElement(sceneID types.SceneID, elementID types.ElementID) error {
	s.mu.Lock()
	sl := s.sceneLocked(sceneID)
	if sl == nil {
		s.mu.Unlock()
		return types.NotFound("Scene not found")
	}
	if !sl.Unassign(elementID) {
		s.mu.Unlock()
		return types.NotFound("Element not assigned to scene")
	}
	s.touchLocked()
	s.mu.Unlock()

	s.autosave(context.Background())
	return nil
}

// VideoScenes implements video.SceneSource over the session's scene slots.
func (s *Session) VideoScenes() []video.Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]video.Scene, 0, len(s.scenes))
	for _, sl := range s.scenes {
		sc := video.Scene{Index: sl.SceneIndex, ID: sl.ID, Description: sl.PromptSource()}
		if img := sl.ActiveImage(); img != nil {
			sc.ImageURL = img.URL
		}
		out = append(out, sc)
	}
	return out
}

func cloneElements(in []*types.WorldElement) []types.WorldElement {
	out := make([]types.WorldElement, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
