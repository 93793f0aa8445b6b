package cli

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caretta-ai/caretta/internal/config"
	"github.com/caretta-ai/caretta/internal/webchannel"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Show the web chat URL and pairing QR code",
	RunE:  runWeb,
}

func init() {
	webCmd.Flags().Bool("no-qr", false, "Skip the QR code")
	rootCmd.AddCommand(webCmd)
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled {
		return fmt.Errorf("web channel is disabled; set web.enabled in the config")
	}

	addr := cfg.Web.Addr
	if addr == "" {
		addr = "127.0.0.1:8700"
	}
	// A wildcard bind is advertised under a concrete LAN address.
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		if ip := outboundIP(); ip != "" {
			addr = net.JoinHostPort(ip, port)
		}
	}

	url := "http://" + addr + "/ws/chat"
	if token := strings.TrimSpace(config.ResolveSecret(cfg.Web.Token, cfg.Web.TokenEnv)); token != "" {
		url += "?token=" + token
	}

	fmt.Printf("%sWeb chat:%s %s\n", color(colorBold), color(colorReset), url)
	if noQR, _ := cmd.Flags().GetBool("no-qr"); noQR {
		return nil
	}
	qr, err := webchannel.PairingQR(url)
	if err != nil {
		return fmt.Errorf("rendering QR code: %w", err)
	}
	fmt.Println(qr)
	return nil
}

// outboundIP finds the local address a LAN peer would reach us on.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
