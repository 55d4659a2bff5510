package types

import (
	"time"
)

// Profile holds the description-enhancement and image-version state shared by
// characters, locations and scenes.
type Profile struct {
	Description               string         `json:"description"`
	EnhancedDescription       string         `json:"enhanced_description,omitempty"`
	IsEnhanced                bool           `json:"is_enhanced"`
	PreEnhancementDescription string         `json:"pre_enhancement_description,omitempty"`
	Images                    []ElementImage `json:"images"`
	History                   []Snapshot     `json:"history"`
}

// BeginEnhancement returns the text an enhancement must start from. The first
// call captures the current description; later calls return that same capture
// so repeated enhancements never drift.
func (p *Profile) BeginEnhancement() string {
	if p.PreEnhancementDescription == "" {
		p.PreEnhancementDescription = p.Description
	}
	return p.PreEnhancementDescription
}

// ApplyEnhancement records an enhanced description and appends a snapshot.
// Description itself is never modified.
func (p *Profile) ApplyEnhancement(text, prompt string, at time.Time) {
	p.EnhancedDescription = text
	p.IsEnhanced = true
	p.appendSnapshot(Snapshot{
		Description:         p.Description,
		EnhancedDescription: text,
		Prompt:              prompt,
		CreatedAt:           at,
	})
}

// PromptSource is the description image generation should use.
func (p *Profile) PromptSource() string {
	if p.IsEnhanced && p.EnhancedDescription != "" {
		return p.EnhancedDescription
	}
	return p.Description
}

// AddImage appends img as the sole active image and snapshots the change.
func (p *Profile) AddImage(img ElementImage) {
	for i := range p.Images {
		p.Images[i].IsActive = false
	}
	img.IsActive = true
	p.Images = append(p.Images, img)
	p.appendSnapshot(Snapshot{
		Description:         p.Description,
		EnhancedDescription: p.EnhancedDescription,
		ImageID:             img.ID,
		CreatedAt:           img.CreatedAt,
	})
}

// SetActiveImage makes id the only active image.
func (p *Profile) SetActiveImage(id ImageID) error {
	idx := p.imageIndex(id)
	if idx < 0 {
		return NotFound("Image not found")
	}
	for i := range p.Images {
		p.Images[i].IsActive = i == idx
	}
	return nil
}

// DeleteImage removes a non-active image. Deleting the active image is refused.
func (p *Profile) DeleteImage(id ImageID) error {
	idx := p.imageIndex(id)
	if idx < 0 {
		return NotFound("Image not found")
	}
	if p.Images[idx].IsActive {
		return InvalidArgument("Cannot delete the active image")
	}
	p.Images = append(p.Images[:idx:idx], p.Images[idx+1:]...)
	return nil
}

// ActiveImage returns the active image, or nil when the entity has none.
func (p *Profile) ActiveImage() *ElementImage {
	for i := range p.Images {
		if p.Images[i].IsActive {
			return &p.Images[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (p Profile) Clone() Profile {
	out := p
	if p.Images != nil {
		out.Images = append([]ElementImage(nil), p.Images...)
	}
	if p.History != nil {
		out.History = append([]Snapshot(nil), p.History...)
	}
	return out
}

func (p *Profile) imageIndex(id ImageID) int {
	for i := range p.Images {
		if p.Images[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *Profile) appendSnapshot(s Snapshot) {
	s.Version = len(p.History) + 1
	p.History = append(p.History, s)
}

// Clone returns a deep copy of the element.
func (e WorldElement) Clone() WorldElement {
	e.Profile = e.Profile.Clone()
	return e
}

// Clone returns a deep copy of the scene slot.
func (s SceneSlot) Clone() SceneSlot {
	s.Profile = s.Profile.Clone()
	if s.Elements != nil {
		s.Elements = append([]ElementID(nil), s.Elements...)
	}
	if s.Unassigned != nil {
		s.Unassigned = append([]ElementID(nil), s.Unassigned...)
	}
	return s
}

// Clone returns a deep copy of the story version.
func (v StoryVersion) Clone() StoryVersion {
	if v.Scenes != nil {
		scenes := make([]StoryScene, len(v.Scenes))
		for i, sc := range v.Scenes {
			if sc.Characters != nil {
				sc.Characters = append([]string(nil), sc.Characters...)
			}
			scenes[i] = sc
		}
		v.Scenes = scenes
	}
	if v.Characters != nil {
		v.Characters = append([]StoryCharacter(nil), v.Characters...)
	}
	if v.Locations != nil {
		v.Locations = append([]StoryLocation(nil), v.Locations...)
	}
	return v
}
