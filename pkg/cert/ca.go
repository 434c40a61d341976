package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	certFile = "ca.crt"
	keyFile  = "ca.key"

	// TempDirPattern is the os.MkdirTemp pattern for throwaway CA directories
	TempDirPattern = "flowtap-ca-*"
)

// Authority is the interception CA. It signs one leaf certificate per host
// name and caches it for the lifetime of the process.
type Authority struct {
	dir       string
	caCert    *x509.Certificate
	caKey     *rsa.PrivateKey
	leaves    map[string]*tls.Certificate
	leavesMu  sync.RWMutex
	isTempDir bool
}

// LoadOrCreate opens the CA stored in dir, creating a new one if dir has none
func LoadOrCreate(dir string) (*Authority, error) {
	ca := &Authority{
		dir:       dir,
		leaves:    make(map[string]*tls.Certificate),
		isTempDir: strings.HasPrefix(filepath.Clean(dir), filepath.Clean(os.TempDir())) && strings.HasPrefix(filepath.Base(dir), "flowtap-ca-"),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}

	if _, err := os.Stat(ca.CertPath()); os.IsNotExist(err) {
		if err := ca.create(); err != nil {
			return nil, fmt.Errorf("failed to create CA: %w", err)
		}
		return ca, nil
	}

	if err := ca.load(); err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	return ca, nil
}

// CertPath returns the path of the PEM encoded CA certificate clients must trust
func (ca *Authority) CertPath() string {
	return filepath.Join(ca.dir, certFile)
}

// Pool returns a cert pool containing only this CA
func (ca *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.caCert)
	return pool
}

// CertificateFor returns a leaf certificate for name, minting it on first use
func (ca *Authority) CertificateFor(name string) (*tls.Certificate, error) {
	ca.leavesMu.RLock()
	leaf, ok := ca.leaves[name]
	ca.leavesMu.RUnlock()
	if ok {
		return leaf, nil
	}

	leaf, err := ca.sign(name)
	if err != nil {
		return nil, err
	}

	ca.leavesMu.Lock()
	// another connection may have won the race; keep the first one
	if existing, ok := ca.leaves[name]; ok {
		leaf = existing
	} else {
		ca.leaves[name] = leaf
	}
	ca.leavesMu.Unlock()

	return leaf, nil
}

// Cleanup removes the CA directory when it was a temporary one
func (ca *Authority) Cleanup() error {
	if !ca.isTempDir {
		return nil
	}

	ca.leavesMu.Lock()
	ca.leaves = make(map[string]*tls.Certificate)
	ca.leavesMu.Unlock()

	if err := os.RemoveAll(ca.dir); err != nil {
		return fmt.Errorf("failed to cleanup CA directory %s: %w", ca.dir, err)
	}
	return nil
}

func (ca *Authority) create() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "flowtap interception CA",
			Organization: []string{"flowtap"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := writePEM(ca.CertPath(), "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(ca.dir, keyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return err
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

func (ca *Authority) load() error {
	certDER, err := readPEM(ca.CertPath(), "CERTIFICATE")
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyDER, err := readPEM(filepath.Join(ca.dir, keyFile), "RSA PRIVATE KEY")
	if err != nil {
		return err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA private key: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

// sign mints a leaf for name; IP literals get an IP SAN
func (ca *Authority) sign(name string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key for %s: %w", name, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, Organization: []string{"flowtap"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(name); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{name}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", name, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	return pem.Encode(out, &pem.Block{Type: blockType, Bytes: der})
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("failed to decode %s PEM in %s", blockType, path)
	}
	return block.Bytes, nil
}
