package uri

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
)

func init() {
	for _, s := range []string{"postgresql", "postgres", "mysql", "mariadb", "clickhouse", "redshift", "mssql", "hana"} {
		Register(s, FamilySQL, validateSQL)
	}
	Register("duckdb", FamilyFileBased, validateFileBased)
	Register("sqlite", FamilyFileBased, validateFileBased)
	Register("mongodb", FamilyDocument, validateMongo)
	Register("snowflake", FamilyWarehouse, validateSnowflake)
	Register("md", FamilyMotherDuck, validateMotherDuck)
	Register("bigquery", FamilyBigQuery, validateBigQuery)
	Register("s3", FamilyObjectStore, validateS3)
	Register("gs", FamilyObjectStore, validateGS)
	Register("az", FamilyObjectStore, validateAZ)
	Register("file", FamilyLocalFile, validateFile)
	Register("kafka", FamilyStreaming, validateKafka)
}

// hostPort splits u.Host into a host and a required numeric port.
func hostPort(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, missing("host")
	}
	p := u.Port()
	if p == "" {
		return "", 0, missing("port")
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, port, nil
}

func userInfo(u *url.URL, d *Descriptor, passwordRequired bool) error {
	if u.User == nil || u.User.Username() == "" {
		return missing("user")
	}
	d.User = u.User.Username()
	pw, ok := u.User.Password()
	if passwordRequired && (!ok || pw == "") {
		return missing("password")
	}
	d.Password = pw
	return nil
}

func requireParams(d *Descriptor, keys ...string) error {
	var absent []string
	for _, k := range keys {
		if strings.TrimSpace(d.Query.Get(k)) == "" {
			absent = append(absent, k)
		}
	}
	if len(absent) > 0 {
		return missing("query parameter " + strings.Join(absent, ", "))
	}
	return nil
}

// user[:password]@host:port/db
func validateSQL(u *url.URL, d *Descriptor) error {
	if err := userInfo(u, d, false); err != nil {
		return err
	}
	host, port, err := hostPort(u)
	if err != nil {
		return err
	}
	d.Host, d.Port = host, port
	db := strings.Trim(u.Path, "/")
	if db == "" {
		return missing("database")
	}
	d.Database = db
	return nil
}

// absolute or root-relative file path
func validateFileBased(u *url.URL, d *Descriptor) error {
	if u.Opaque != "" {
		return fmt.Errorf("path must follow %s://", d.Scheme)
	}
	p := u.Host + u.Path
	if strings.Trim(p, "/") == "" {
		return missing("file path")
	}
	d.Path = p
	return nil
}

// user[:password]@host:port[/auth]?database=<name>
func validateMongo(u *url.URL, d *Descriptor) error {
	if err := userInfo(u, d, false); err != nil {
		return err
	}
	host, port, err := hostPort(u)
	if err != nil {
		return err
	}
	d.Host, d.Port = host, port
	if err := requireParams(d, "database"); err != nil {
		return err
	}
	d.Database = d.Query.Get("database")
	d.Path = strings.Trim(u.Path, "/") // auth source
	return nil
}

// user:password@account/db/dataset
func validateSnowflake(u *url.URL, d *Descriptor) error {
	if err := userInfo(u, d, true); err != nil {
		return err
	}
	if u.Host == "" {
		return missing("account")
	}
	d.Host = u.Host
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		return missing("database")
	}
	if len(parts) < 2 || parts[1] == "" {
		return missing("dataset")
	}
	if len(parts) > 2 {
		return fmt.Errorf("unexpected path segment %q", parts[2])
	}
	d.Database, d.Path = parts[0], parts[1]
	return nil
}

// md:database?token=…
func validateMotherDuck(u *url.URL, d *Descriptor) error {
	db := u.Opaque
	if db == "" {
		db = strings.Trim(u.Host+u.Path, "/")
	}
	if db == "" {
		return missing("database")
	}
	if err := requireParams(d, "token"); err != nil {
		return err
	}
	d.Database = db
	return nil
}

// project?client_id=…&client_secret=…&refresh_token=…
func validateBigQuery(u *url.URL, d *Descriptor) error {
	project := u.Host
	if project == "" {
		project = strings.Trim(u.Opaque+u.Path, "/")
	}
	if project == "" {
		return missing("project")
	}
	if err := requireParams(d, "client_id", "client_secret", "refresh_token"); err != nil {
		return err
	}
	d.Database = project
	return nil
}

func bucketAndPrefix(u *url.URL, d *Descriptor, what string) error {
	if u.Host == "" {
		return missing(what)
	}
	d.Host = u.Host
	d.Path = strings.TrimPrefix(u.Path, "/")
	return nil
}

// bucket?access_key_id=…&access_key_secret=…&region=…
func validateS3(u *url.URL, d *Descriptor) error {
	if err := bucketAndPrefix(u, d, "bucket"); err != nil {
		return err
	}
	if err := requireParams(d, "access_key_id", "access_key_secret", "region"); err != nil {
		return err
	}
	if s := d.Query.Get("secure"); s != "" {
		if _, err := strconv.ParseBool(s); err != nil {
			return fmt.Errorf("secure must be true or false")
		}
	}
	return nil
}

// bucket?project_id=…&private_key=…&client_email=…
func validateGS(u *url.URL, d *Descriptor) error {
	if err := bucketAndPrefix(u, d, "bucket"); err != nil {
		return err
	}
	return requireParams(d, "project_id", "private_key", "client_email")
}

// /container?account_name=…&account_key=…
func validateAZ(u *url.URL, d *Descriptor) error {
	container := u.Host
	rest := strings.TrimPrefix(u.Path, "/")
	if container == "" {
		container, rest, _ = strings.Cut(rest, "/")
	}
	if container == "" {
		return missing("container")
	}
	d.Host, d.Path = container, rest
	return requireParams(d, "account_name", "account_key")
}

// absolute path
func validateFile(u *url.URL, d *Descriptor) error {
	if u.Host != "" && u.Host != "localhost" {
		return fmt.Errorf("file uri must not name a host")
	}
	if u.Path == "" || !path.IsAbs(u.Path) {
		return missing("absolute path")
	}
	d.Path = u.Path
	return nil
}

var (
	kafkaProtocols  = []string{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}
	kafkaMechanisms = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}
)

// broker?group_id=…&security_protocol=…[&sasl_*…][&schema_registry=…&use_avro=true|false]
func validateKafka(u *url.URL, d *Descriptor) error {
	if u.Host == "" {
		return missing("broker")
	}
	d.Host = u.Host
	if err := requireParams(d, "group_id"); err != nil {
		return err
	}
	proto := strings.ToUpper(d.Param("security_protocol", "PLAINTEXT"))
	if !contains(kafkaProtocols, proto) {
		return fmt.Errorf("unsupported security_protocol %q", proto)
	}
	if strings.HasPrefix(proto, "SASL") {
		mech := strings.ToUpper(d.Param("sasl_mechanisms", "PLAIN"))
		if !contains(kafkaMechanisms, mech) {
			return fmt.Errorf("unsupported sasl_mechanisms %q", mech)
		}
		if err := requireParams(d, "sasl_username", "sasl_password"); err != nil {
			return err
		}
	}
	if v := d.Query.Get("use_avro"); v != "" {
		avro, err := strconv.ParseBool(v)
		if err != nil || (v != "true" && v != "false") {
			return fmt.Errorf("use_avro must be true or false")
		}
		if avro {
			if err := requireParams(d, "schema_registry"); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// Brokers splits a kafka descriptor's host list.
func (d Descriptor) Brokers() []string {
	var out []string
	for _, b := range strings.Split(d.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
