// Package exportpreview turns a PDF export from the host site into an
// in-browser preview instead of a file on disk.
//
// A [Preview] drives a Chrome instance over the DevTools protocol. It adds a
// "Preview" control next to the host's export button; clicking it arms the
// preview, the host's export download is cancelled the moment it begins, its
// bytes are retrieved and a viewer tab opens with a scale control that can
// re-export the document at another scale.
//
//	p, err := exportpreview.New(
//	    exportpreview.WithUserDataDir("/home/me/.config/export-preview/profile"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	if err := p.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The viewer is served on [DefaultListenAddr]; use [WithListenAddr] to move
// it. Scale changes re-run the host's export dialog by default, or call the
// host's export API directly with [WithScaleChangeMode]("private").
//
// Chrome or Chromium must be available in PATH, or use [WithAutoDownload]:
//
//	p, err := exportpreview.New(exportpreview.WithAutoDownload())
//
// Attach to a browser you already use with [WithRemoteURL] and the DevTools
// websocket URL printed by Chrome's --remote-debugging-port flag.
//
// User preferences (auto preview on or off, default viewer zoom) live in a
// small JSON file that is re-read whenever it changes; the command line's
// "settings" command edits it.
package exportpreview
