package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/wachiwi/recarga/pkg/scanner"
)

const sessionUserKey = "user"

// AuthRequired rejects requests without a logged-in session.
func AuthRequired(c *gin.Context) {
	session := sessions.Default(c)
	if session.Get(sessionUserKey) == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	c.Next()
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) Login(c *gin.Context) {
	formUser := c.PostForm("username")
	formPassword := c.PostForm("password")

	userOK := subtle.ConstantTimeCompare([]byte(formUser), []byte(s.cfg.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(formPassword), []byte(s.cfg.Password)) == 1
	if !userOK || !passOK || s.cfg.Password == "" {
		s.logger.Warn("Failed login", "user", formUser, "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionUserKey, s.cfg.User)
	if err := session.Save(); err != nil {
		s.logger.Error("Failed to save session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": s.cfg.User})
}

func (s *Server) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	session.Save()
	c.Status(http.StatusNoContent)
}

type statusResponse struct {
	Scanner scanner.Status `json:"scanner"`
	Viewers int            `json:"viewers"`
}

func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Scanner: s.ctrl.Status(), Viewers: s.preview.Viewers()})
}

func (s *Server) Visible(c *gin.Context) {
	s.ctrl.Visible()
	s.Status(c)
}

func (s *Server) Hidden(c *gin.Context) {
	s.ctrl.Hidden()
	s.Status(c)
}

func (s *Server) History(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Stream serves the preview as multipart MJPEG until the client goes away.
func (s *Server) Stream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "Streaming not supported")
		return
	}

	s.preview.join()
	defer s.preview.leave()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			frame, seq := s.preview.Latest()
			if frame == nil || seq == last {
				continue
			}
			last = seq

			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}
