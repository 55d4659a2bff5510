package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/types"
)

type sessionView struct {
	types.SessionMetadata
	CurrentStory  *types.StoryVersion   `json:"current_story,omitempty"`
	Elements      []types.WorldElement  `json:"elements"`
	Scenes        []types.SceneSlot     `json:"scenes"`
	Storyboard    *types.Storyboard     `json:"storyboard,omitempty"`
	VideoJobs     []types.SceneVideoJob `json:"video_jobs"`
	VideoProgress float64               `json:"video_progress"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		SessionMetadata: sess.Metadata(),
		CurrentStory:    sess.CurrentStory(),
		Elements:        sess.Elements(),
		Scenes:          sess.Scenes(),
		Storyboard:      sess.Storyboard(),
		VideoJobs:       sess.VideoJobs(),
		VideoProgress:   sess.VideoProgress(),
	}
}

// session resolves the :id parameter, writing the error response on failure.
func (s *Server) session(c *gin.Context) (*session.Session, bool) {
	sess, err := s.manager.LoadSession(c.Request.Context(), types.SessionID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) listSessions(c *gin.Context) {
	list, err := s.manager.ListSessions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) createSession(c *gin.Context) {
	var req nameRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	sess, err := s.manager.CreateSession(c.Request.Context(), req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) renameSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req nameRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if req.Name == "" {
		s.fail(c, types.InvalidArgument("Name is required"))
		return
	}
	sess.Rename(req.Name)
	c.JSON(http.StatusOK, sess.Metadata())
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.DeleteSession(c.Request.Context(), types.SessionID(c.Param("id"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteAllSessions(c *gin.Context) {
	if err := s.manager.DeleteAllSessions(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) exportSession(c *gin.Context) {
	id := c.Param("id")
	data, err := s.manager.ExportSession(c.Request.Context(), types.SessionID(id))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="session-`+id+`.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) importSession(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		s.fail(c, types.InvalidArgument("Invalid request body"))
		return
	}
	sess, err := s.manager.ImportSession(c.Request.Context(), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) exportAll(c *gin.Context) {
	data, err := s.manager.ExportAllSessions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="sessions.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) importAll(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		s.fail(c, types.InvalidArgument("Invalid request body"))
		return
	}
	imported, err := s.manager.ImportAllSessions(c.Request.Context(), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]types.SessionMetadata, len(imported))
	for i, sess := range imported {
		out[i] = sess.Metadata()
	}
	c.JSON(http.StatusCreated, gin.H{"sessions": out})
}

func (s *Server) getActive(c *gin.Context) {
	sess, err := s.manager.ActiveSession(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if sess == nil {
		s.fail(c, types.NotFound("No active session"))
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) setActive(c *gin.Context) {
	var req struct {
		ID types.SessionID `json:"id"`
	}
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if req.ID == "" {
		s.fail(c, types.InvalidArgument("Session id is required"))
		return
	}
	if err := s.manager.SetActiveSession(c.Request.Context(), req.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": req.ID})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) storyHistory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	history := sess.StoryHistory()
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"current": sess.CurrentStory(),
	})
}

func (s *Server) generateStory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req promptRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	v, err := sess.GenerateStory(c.Request.Context(), req.Prompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) improveStory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req promptRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	v, err := sess.ImproveStory(c.Request.Context(), req.Prompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) revertStory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		Index *int `json:"index"`
	}
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if req.Index == nil {
		s.fail(c, types.InvalidArgument("Invalid story index"))
		return
	}
	v, err := sess.RevertToStory(*req.Index)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) extractCharacters(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": sess.ExtractCharacters()})
}

func (s *Server) extractLocations(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": sess.ExtractLocations()})
}

func (s *Server) extractScenes(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": sess.ExtractScenes()})
}

func (s *Server) listElements(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"elements": sess.Elements()})
}

func (s *Server) getElement(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	el, err := sess.Element(types.ElementID(c.Param("eid")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) deleteElement(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	id := types.ElementID(c.Param("eid"))
	n, err := sess.DeleteElement(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "scenes_updated": n})
}

func (s *Server) enhanceElement(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req promptRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	el, err := sess.EnhanceElement(c.Request.Context(), types.ElementID(c.Param("eid")), req.Prompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) elementImage(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var opts types.ImageOptions
	if err := bind(c, &opts); err != nil {
		s.fail(c, err)
		return
	}
	el, err := sess.GenerateElementImage(c.Request.Context(), types.ElementID(c.Param("eid")), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) elementHistory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	history, err := sess.ElementHistory(types.ElementID(c.Param("eid")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) setActiveImage(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		if err := sess.SetActiveImage(c.Param(param), types.ImageID(c.Param("img"))); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) deleteImage(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.session(c)
		if !ok {
			return
		}
		if err := sess.DeleteImage(c.Param(param), types.ImageID(c.Param("img"))); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) listScenes(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": sess.Scenes()})
}

func (s *Server) getScene(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sc, err := sess.Scene(types.SceneID(c.Param("sid")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) enhanceScene(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req promptRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	sc, err := sess.EnhanceScene(c.Request.Context(), types.SceneID(c.Param("sid")), req.Prompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) sceneImage(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var opts types.ImageOptions
	if err := bind(c, &opts); err != nil {
		s.fail(c, err)
		return
	}
	sc, err := sess.GenerateSceneImage(c.Request.Context(), types.SceneID(c.Param("sid")), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) sceneHistory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	history, err := sess.SceneHistory(types.SceneID(c.Param("sid")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) assignElement(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.AssignElement(types.SceneID(c.Param("sid")), types.ElementID(c.Param("eid"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unassignElement(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.UnassignElement(types.SceneID(c.Param("sid")), types.ElementID(c.Param("eid"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getStoryboard(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sb := sess.Storyboard()
	if sb == nil {
		s.fail(c, types.NotFound("No storyboard"))
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (s *Server) createStoryboard(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, sess.CreateStoryboard())
}

func (s *Server) reorderStoryboard(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		Order []int `json:"order"`
	}
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	sb, err := sess.ReorderStoryboardFrames(req.Order)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

func (s *Server) updateFrame(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		s.fail(c, types.InvalidArgument("Invalid frame index"))
		return
	}
	var patch types.FramePatch
	if err := bind(c, &patch); err != nil {
		s.fail(c, err)
		return
	}
	frame, err := sess.UpdateStoryboardFrame(index, patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, frame)
}

func videoBody(sess *session.Session) gin.H {
	return gin.H{
		"jobs":     sess.VideoJobs(),
		"progress": sess.VideoProgress(),
		"running":  sess.Pipeline().Running(),
	}
}

func (s *Server) videoStatus(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, videoBody(sess))
}

func (s *Server) startVideo(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := sess.StartVideoGeneration(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, videoBody(sess))
}

func (s *Server) nextVideo(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req struct {
		DelayMS int `json:"delay_ms"`
	}
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	if req.DelayMS < 0 {
		s.fail(c, types.InvalidArgument("delay_ms must not be negative"))
		return
	}
	sess.GenerateNextScene(time.Duration(req.DelayMS) * time.Millisecond)
	c.JSON(http.StatusAccepted, videoBody(sess))
}

func (s *Server) stopVideo(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sess.StopVideoGeneration()
	c.JSON(http.StatusOK, videoBody(sess))
}
