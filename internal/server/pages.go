package server

//go:generate templ generate -f pages.templ

import (
	"net/http"

	"github.com/a-h/templ"
)

// page is the content of a full-page error response.
type page struct {
	Title    string
	Message  string
	Guidance string
}

var (
	invalidLinkPage = page{
		Title:    "This download link is not valid",
		Message:  "The link could not be verified.",
		Guidance: "Make sure you opened the complete link from your email. Links that were cut off or edited stop working.",
	}
	expiredLinkPage = page{
		Title:    "This download link has expired",
		Message:  "Download links only work for a limited time.",
		Guidance: "Ask the person who shared the photos to send you a new link.",
	}
	busyPage = page{
		Title:    "Your photos are being prepared",
		Message:  "Several downloads are being packed right now.",
		Guidance: "Please try again in a minute.",
	}
	emptyArchivePage = page{
		Title:    "This download is empty",
		Message:  "None of the photos in this link are available any more.",
		Guidance: "Ask the person who shared the photos to send you a new link.",
	}
	internalErrorPage = page{
		Title:    "Something went wrong",
		Message:  "Your download could not be prepared.",
		Guidance: "Please try again later.",
	}
)

func renderErrorPage(w http.ResponseWriter, r *http.Request, status int, p page) {
	w.Header().Set("Cache-Control", "no-store")
	templ.Handler(errorPage(p), templ.WithStatus(status)).ServeHTTP(w, r)
}
