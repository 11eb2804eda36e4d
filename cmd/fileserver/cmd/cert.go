package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/fileserver/pkg/tls"
)

var (
	certFile     string
	keyFile      string
	certHosts    []string
	certCN       string
	certValidFor time.Duration
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "TLS certificate helpers",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a self-signed certificate",
	Long: `Writes a self-signed certificate and private key. The certificate can be
used as tls.cert_file on the server and as tls.ca_file on clients. Loopback
addresses and localhost are always part of the SANs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, tlsutil.CertOptions{
			CommonName: certCN,
			Hosts:      certHosts,
			ValidFor:   certValidFor,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Certificate written to %s\n", certFile)
		fmt.Printf("Private key written to %s\n", keyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certGenerateCmd)

	certGenerateCmd.Flags().StringVar(&certFile, "cert", "server.crt", "certificate output path")
	certGenerateCmd.Flags().StringVar(&keyFile, "key", "server.key", "private key output path")
	certGenerateCmd.Flags().StringSliceVar(&certHosts, "hosts", nil, "additional IPs or hostnames")
	certGenerateCmd.Flags().StringVar(&certCN, "cn", "fileserver", "certificate common name")
	certGenerateCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
}
